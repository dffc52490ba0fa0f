package fabric

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/docflow/pkg/event"
)

// Redis はRedisのPub/Subを使用したファブリック実装。
// 複数のワーカープロセスに分散した接続が同一チャネルを購読できるため、
// 水平スケールされた構成ではこちらを使用する。
type Redis struct {
	// client はRedisへの接続クライアント。
	client *redis.Client
	// mu はsubsへのアクセスを直列化する。
	mu sync.Mutex
	// subs は（チャネル, 接続ID）ごとの購読状態。
	subs map[subKey]*redisSub
	// closed はCloseが呼ばれた後trueになる。
	closed bool
}

// subKey は購読を一意に識別するキー。
type subKey struct {
	channel string
	connID  string
}

// redisSub は1購読分のRedis PubSubと転送用バッファ。
type redisSub struct {
	pubsub *redis.PubSub
	out    chan event.Envelope
}

// NewRedis はRedis接続URL（例: "redis://localhost:6379/0"）から
// 新しいRedisファブリックを生成する。
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}
	return &Redis{
		client: redis.NewClient(opts),
		subs:   make(map[subKey]*redisSub),
	}, nil
}

// Subscribe は接続をチャネルの購読者として登録する。
// Redis PubSub 1本を購読ごとに張り、受信メッセージを封筒にデコードして転送する。
func (r *Redis) Subscribe(channel, connID string) (<-chan event.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrTransportUnavailable
	}

	key := subKey{channel: channel, connID: connID}
	if old, ok := r.subs[key]; ok {
		_ = old.pubsub.Close()
		delete(r.subs, key)
	}

	pubsub := r.client.Subscribe(context.Background(), channel)
	sub := &redisSub{
		pubsub: pubsub,
		out:    make(chan event.Envelope, subscriberBuffer),
	}
	r.subs[key] = sub

	// pubsub.Channel()はpubsubがクローズされるとクローズされるため、
	// この転送goroutineは購読解除で必ず終了する。
	go func() {
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			env, err := event.Decode([]byte(msg.Payload))
			if err != nil {
				log.Printf("[Fabric] 受信メッセージのデコードに失敗: channel=%s, error=%v", channel, err)
				continue
			}
			select {
			case sub.out <- env:
			default:
				log.Printf("[Fabric] 購読者のバッファが満杯のためイベントを破棄: channel=%s, conn=%s", channel, connID)
			}
		}
	}()

	return sub.out, nil
}

// Unsubscribe は接続のチャネル購読を解除する。
func (r *Redis) Unsubscribe(channel, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{channel: channel, connID: connID}
	sub, ok := r.subs[key]
	if !ok {
		return
	}
	delete(r.subs, key)
	_ = sub.pubsub.Close()
}

// Publish は封筒をJSONにエンコードしてRedisのチャネルに発行する。
func (r *Redis) Publish(ctx context.Context, channel string, env event.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// Close は全購読を解除し、Redisへの接続を閉じる。
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for key, sub := range r.subs {
		_ = sub.pubsub.Close()
		delete(r.subs, key)
	}
	return r.client.Close()
}
