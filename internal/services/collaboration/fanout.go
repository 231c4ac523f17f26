package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

// Fanout carries relay frames between server instances so members of the
// same channel can sit on different instances.
type Fanout interface {
	// Publish hands a frame received locally to every other instance.
	Publish(ctx context.Context, channel string, frame []byte) error
	// Subscribe delivers frames published by other instances until ctx is
	// done.
	Subscribe(ctx context.Context, deliver func(channel string, frame []byte))
	// Members adds delta to this instance's member count for channel and
	// returns how many members the other instances hold.
	Members(ctx context.Context, channel string, delta int) (int, error)
	Close() error
}

const (
	relayTopic = "coderoom:relay"
	// membersPrefix keys one hash per channel: instance id -> local members.
	membersPrefix = "coderoom:members:"
)

type relayEnvelope struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Frame   []byte `json:"frame"`
}

// RedisFanout is a Fanout over one Redis pub/sub topic. Every instance tags
// what it publishes with its own id and ignores its own messages.
//
// Member counts live in a hash per channel with one field per instance. An
// instance that dies without Close leaves its field behind until the channel
// empties on every other instance too; joiners then wait for the sync
// timeout instead of starting alone right away.
type RedisFanout struct {
	rdb        *redis.Client
	instanceID string

	mu      sync.Mutex
	counted map[string]bool // channels this instance holds a field for
}

// NewRedisFanout connects to the Redis server at addr and checks it answers.
func NewRedisFanout(ctx context.Context, addr string) (*RedisFanout, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	f := &RedisFanout{rdb: rdb, instanceID: ksuid.New().String(), counted: make(map[string]bool)}
	log.Printf("✓ Relay fan-out connected to redis %s (instance %s)", addr, f.instanceID)
	return f, nil
}

// InstanceID identifies this instance on the topic.
func (f *RedisFanout) InstanceID() string { return f.instanceID }

func (f *RedisFanout) Publish(ctx context.Context, channel string, frame []byte) error {
	data, err := json.Marshal(relayEnvelope{Origin: f.instanceID, Channel: channel, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to encode relay frame: %w", err)
	}
	return f.rdb.Publish(ctx, relayTopic, data).Err()
}

func (f *RedisFanout) Subscribe(ctx context.Context, deliver func(channel string, frame []byte)) {
	pubsub := f.rdb.Subscribe(ctx, relayTopic)
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Printf("  Relay subscribed to %s (instance %s)", relayTopic, f.instanceID)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("⚠️  Relay: malformed fan-out message: %v", err)
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			deliver(env.Channel, env.Frame)
		}
	}
}

func (f *RedisFanout) Members(ctx context.Context, channel string, delta int) (int, error) {
	key := membersPrefix + channel

	pipe := f.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, f.instanceID, int64(delta))
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count members of %s: %w", channel, err)
	}

	others := 0
	for id, v := range all.Val() {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if id == f.instanceID {
			f.track(ctx, key, n)
			continue
		}
		if n > 0 {
			others += n
		}
	}
	return others, nil
}

// track forgets this instance's field once it holds no member.
func (f *RedisFanout) track(ctx context.Context, key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > 0 {
		f.counted[key] = true
		return
	}
	delete(f.counted, key)
	if err := f.rdb.HDel(ctx, key, f.instanceID).Err(); err != nil {
		log.Printf("⚠️  Relay: failed to clear member count %s: %v", key, err)
	}
}

// Close withdraws this instance's member counts and disconnects.
func (f *RedisFanout) Close() error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.counted))
	for key := range f.counted {
		keys = append(keys, key)
	}
	f.counted = make(map[string]bool)
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := f.rdb.HDel(ctx, key, f.instanceID).Err(); err != nil {
			log.Printf("⚠️  Relay: failed to clear member count %s: %v", key, err)
		}
	}
	return f.rdb.Close()
}
