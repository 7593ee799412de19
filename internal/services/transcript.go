package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TranscriptSource yields final transcribed utterances from the contact's
// call leg. Utterances returns a channel that closes when the source stops.
type TranscriptSource interface {
	Utterances(ctx context.Context, roomName string) (<-chan string, error)
}

// ReplyPublisher pushes agent replies back toward the call leg for speech
// synthesis.
type ReplyPublisher interface {
	PublishReply(ctx context.Context, roomName, text string) error
}

// RedisTranscript exchanges transcript text with the media agent through
// Redis Streams.
//
// Key pattern:
//
//	stt:<room_name> - final speech-to-text segments from the contact leg
//	tts:<room_name> - agent replies to be spoken on the call
type RedisTranscript struct {
	rdb   *redis.Client
	block time.Duration
}

// NewRedisTranscript creates the exchange over an existing Redis client
func NewRedisTranscript(rdb *redis.Client) *RedisTranscript {
	return &RedisTranscript{rdb: rdb, block: 2 * time.Second}
}

// Utterances tails the stt stream for the room and forwards the text field
// of each entry. The channel closes when ctx is cancelled.
func (r *RedisTranscript) Utterances(ctx context.Context, roomName string) (<-chan string, error) {
	stream := "stt:" + roomName
	out := make(chan string)

	go func() {
		defer close(out)
		lastID := "$" // only segments produced after the call starts

		for {
			if ctx.Err() != nil {
				return
			}

			res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Block:   r.block,
				Count:   10,
			}).Result()
			if err == redis.Nil {
				continue // block window elapsed with no entries
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					text, _ := msg.Values["text"].(string)
					if text == "" {
						continue
					}
					select {
					case out <- text:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// PublishReply appends one agent reply to the tts stream for the room
func (r *RedisTranscript) PublishReply(ctx context.Context, roomName, text string) error {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "tts:" + roomName,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"text": text,
			"ts":   time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish reply to %s: %w", roomName, err)
	}
	return nil
}
