package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsLog keeps a session log in its own JetStream stream. Position i is
// stream sequence i+1.
type NatsLog struct {
	key     string
	stream  string
	subject string
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	notify  *notifier
}

// openNats handles nats://host:4222
func openNats(_ context.Context, u *url.URL, key string) (Log, error) {
	nc, err := nats.Connect(u.String(),
		nats.Name("portal"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	l, err := NewNatsLog(nc, key)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return l, nil
}

// NewNatsLog creates the session stream if needed and subscribes to appends.
// The log takes ownership of nc.
func NewNatsLog(nc *nats.Conn, key string) (*NatsLog, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	l := &NatsLog{
		key:     key,
		stream:  natsStreamName(key),
		subject: fmt.Sprintf("portal.%s.events", key),
		nc:      nc,
		js:      js,
		notify:  newNotifier(),
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      l.stream,
		Subjects:  []string{l.subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardNew,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("stream setup: %w", err)
	}

	// JetStream publishes are also delivered to plain subscribers of the subject
	l.sub, err = nc.Subscribe(l.subject, func(*nats.Msg) {
		l.notify.broadcast()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	slog.Debug("nats event log", "stream", l.stream, "subject", l.subject)
	return l, nil
}

func natsStreamName(key string) string {
	return "PORTAL_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(key)
}

func (l *NatsLog) Key() string {
	return l.key
}

func (l *NatsLog) Len(ctx context.Context) (int, error) {
	info, err := l.js.StreamInfo(l.stream, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return int(info.State.LastSeq), nil
}

func (l *NatsLog) Get(ctx context.Context, index int) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}

	msg, err := l.js.GetMsg(l.stream, uint64(index)+1, nats.Context(ctx))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	} else if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	return msg.Data, nil
}

func (l *NatsLog) Append(ctx context.Context, payload []byte) (int, error) {
	ack, err := l.js.Publish(l.subject, payload, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return int(ack.Sequence) - 1, nil
}

func (l *NatsLog) Head(ctx context.Context) ([]byte, error) {
	msg, err := l.js.GetLastMsg(l.stream, l.subject, nats.Context(ctx))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil, fmt.Errorf("%w: empty log", ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (l *NatsLog) Notify(ctx context.Context) <-chan struct{} {
	return l.notify.subscribe(ctx)
}

func (l *NatsLog) Close() error {
	l.notify.close()
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
	l.nc.Close()
	return nil
}

var _ Log = (*NatsLog)(nil)
