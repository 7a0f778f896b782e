package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// wire mirrors the JSON-equivalent worker event wire format:
// {id, state, meta:{response?, heartbeat?, message?}}.
type wire struct {
	ID    string     `json:"id"`
	State string     `json:"state"`
	Meta  *wireMeta  `json:"meta,omitempty"`
	Stop  bool       `json:"stop,omitempty"`
}

type wireMeta struct {
	Response  *wireResponse `json:"response,omitempty"`
	Heartbeat *time.Time    `json:"heartbeat,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type wireResponse struct {
	ID         string  `json:"id"`
	Tag        string  `json:"tag"`
	Entrypoint string  `json:"entrypoint"`
	Env        string  `json:"env"`
	Workdir    string  `json:"workdir"`
	UserACL    []int32 `json:"userACL"`
	GroupACL   []int32 `json:"groupACL"`
	Private    *bool   `json:"private,omitempty"`
	MetaOnly   bool    `json:"meta_only,omitempty"`
}

const (
	redisPullQueueKey  = "imagegw:pull:queue"
	redisExpireQueueKey = "imagegw:expire:queue"
	redisStatusChannel = "imagegw:worker:status"
)

// RedisBridge is a Pool implementation that publishes enqueue requests onto
// Redis lists for an out-of-process worker subsystem to consume, and
// re-publishes that subsystem's status events (delivered over a Redis
// pub/sub channel) onto the Go channel the reconciler reads from.
type RedisBridge struct {
	rdb    *redis.Client
	logger *slog.Logger
	events chan Event
	cancel context.CancelFunc
}

// NewRedisBridge starts the background pub/sub → channel bridge goroutine.
// Callers must call Close when finished.
func NewRedisBridge(ctx context.Context, rdb *redis.Client, logger *slog.Logger) *RedisBridge {
	bridgeCtx, cancel := context.WithCancel(ctx)
	b := &RedisBridge{
		rdb:    rdb,
		logger: logger,
		events: make(chan Event, 64),
		cancel: cancel,
	}
	go b.consume(bridgeCtx)
	return b
}

func (b *RedisBridge) consume(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, redisStatusChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decodeWire(msg.Payload)
			if err != nil {
				b.logger.Error("decoding worker status event", "error", err)
				continue
			}
			b.events <- ev
		}
	}
}

func decodeWire(payload string) (Event, error) {
	var w wire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Event{}, fmt.Errorf("unmarshaling worker event: %w", err)
	}
	if w.Stop {
		return StopEvent(), nil
	}
	ev := Event{ID: w.ID, State: State(w.State)}
	if w.Meta != nil {
		ev.Heartbeat = w.Meta.Heartbeat
		ev.Message = w.Meta.Message
		if w.Meta.Response != nil {
			r := w.Meta.Response
			ev.Response = &Response{
				ID: r.ID, Tag: r.Tag, Entrypoint: r.Entrypoint, Env: r.Env,
				Workdir: r.Workdir, UserACL: r.UserACL, GroupACL: r.GroupACL,
				Private: r.Private, MetaOnly: r.MetaOnly,
			}
		}
	}
	return ev, nil
}

func (b *RedisBridge) StatusEvents() <-chan Event {
	return b.events
}

func (b *RedisBridge) EnqueuePull(ctx context.Context, recordID string, req PullRequest, testMode bool) error {
	payload, err := json.Marshal(map[string]any{
		"recordId":   recordID,
		"platform":   req.Platform,
		"imageType":  req.ImageType,
		"pulltag":    req.Pulltag,
		"remoteType": req.RemoteType,
		"session":    req.Session,
		"userACL":    req.UserACL,
		"groupACL":   req.GroupACL,
		"testMode":   testMode,
	})
	if err != nil {
		return fmt.Errorf("marshaling pull request: %w", err)
	}
	if err := b.rdb.RPush(ctx, redisPullQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueuing pull: %w", err)
	}
	return nil
}

func (b *RedisBridge) EnqueueExpire(ctx context.Context, recordID string, req ExpireRequest) error {
	payload, err := json.Marshal(map[string]any{
		"recordId":   recordID,
		"platform":   req.Platform,
		"imageType":  req.ImageType,
		"contentId":  req.ContentID,
		"remoteType": req.RemoteType,
	})
	if err != nil {
		return fmt.Errorf("marshaling expire request: %w", err)
	}
	if err := b.rdb.RPush(ctx, redisExpireQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueuing expire: %w", err)
	}
	return nil
}

// Close stops the bridge's background goroutine.
func (b *RedisBridge) Close() {
	b.cancel()
}

var _ Pool = (*RedisBridge)(nil)
