package storage

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"funsearch/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

const ErrVersionMismatch = errors.ConstError("record version mismatch")

func EncodePrompt(p model.Prompt) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePrompt(data []byte) (model.Prompt, error) {
	var prompt model.Prompt
	if err := json.Unmarshal(data, &prompt); err != nil {
		return model.Prompt{}, err
	}
	if err := checkVersion(prompt.VersionedRecord); err != nil {
		return model.Prompt{}, err
	}
	return prompt, nil
}

// stampPrompt assigns an ID and the current record versions to a prompt
// about to be persisted.
func stampPrompt(p model.Prompt) model.Prompt {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.SchemaVersion = CurrentSchemaVersion
	p.CodecVersion = CurrentCodecVersion
	return p
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return errors.Annotatef(ErrVersionMismatch, "schema=%d codec=%d", v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
