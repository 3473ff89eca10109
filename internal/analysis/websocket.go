package analysis

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"funsearch/internal/model"
)

const defaultWriteTimeout = 10 * time.Second

// WebsocketWorker streams submissions as text frames to a remote evaluator.
type WebsocketWorker struct {
	name         string
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func DialWebsocket(ctx context.Context, name, url string, header http.Header) (*WebsocketWorker, error) {
	if name == "" {
		return nil, errors.NotValidf("empty worker name")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	return &WebsocketWorker{name: name, conn: conn, writeTimeout: defaultWriteTimeout}, nil
}

func (w *WebsocketWorker) Name() string {
	return w.name
}

func (w *WebsocketWorker) Analyse(_ context.Context, sub model.Submission) error {
	payload, err := EncodeSubmission(sub)
	if err != nil {
		return submissionError(err, w.name, sub)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return submissionError(errors.New("connection closed"), w.name, sub)
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return submissionError(err, w.name, sub)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return submissionError(err, w.name, sub)
	}
	return nil
}

func (w *WebsocketWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}
