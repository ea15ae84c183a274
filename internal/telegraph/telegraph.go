package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/session"
)

// Sessions is the multiplexer surface the bridge drives.
type Sessions interface {
	Send(ctx context.Context, key session.Key, turn session.Turn) (*session.Result, error)
	Status(key session.Key) (session.Status, bool)
}

// Bridge connects to a chat platform via an Adapter and forwards every
// inbound message as one turn of the (author, thread) session, posting the
// final reply back to the channel it came from.
type Bridge struct {
	sessions   Sessions
	store      *recovery.Store
	validator  recovery.DirValidator
	defaultDir string
	adapter    Adapter
	chunkSize  int
	out        io.Writer

	wg sync.WaitGroup
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Sessions   Sessions
	Store      *recovery.Store
	Validator  recovery.DirValidator // optional; nil accepts every stored directory
	DefaultDir string                // working directory for fresh sessions
	Adapter    Adapter
	ChunkSize  int       // defaults to DefaultChunkSize
	Out        io.Writer // defaults to os.Stdout
}

// NewBridge creates a Bridge with the given options.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: sessions is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("telegraph: recovery store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.DefaultDir == "" {
		return nil, fmt.Errorf("telegraph: default directory is required")
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Bridge{
		sessions:   opts.Sessions,
		store:      opts.Store,
		validator:  opts.Validator,
		defaultDir: opts.DefaultDir,
		adapter:    opts.Adapter,
		chunkSize:  chunk,
		out:        out,
	}, nil
}

// Run connects the adapter and pumps inbound messages until the context is
// cancelled or the adapter closes its channel. Each message is relayed on
// its own goroutine; Run waits for in-flight relays before returning.
func (b *Bridge) Run(ctx context.Context) error {
	fmt.Fprintf(b.out, "Telegraph connecting...\n")
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		b.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}
	fmt.Fprintf(b.out, "Telegraph online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(b.out, "Telegraph shutting down...\n")
			b.wg.Wait()
			if err := b.adapter.Close(); err != nil {
				log.Printf("telegraph: close adapter: %v", err)
			}
			fmt.Fprintf(b.out, "Telegraph stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(b.out, "Telegraph inbound channel closed\n")
				b.wg.Wait()
				return nil
			}
			b.Handle(ctx, msg)
		}
	}
}

// Handle relays msg on a new goroutine. Messages for different keys proceed
// concurrently; a second message for one key waits for the first exchange.
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.relay(ctx, msg)
	}()
}

// Wait blocks until every relay started by Handle has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// relay runs one exchange for msg and posts the reply.
func (b *Bridge) relay(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	key := session.NewKey(msg.UserID, msg.ThreadID)
	log.Printf("telegraph: %s: recv [ch=%s user=%s] %q", key, msg.ChannelID, msg.UserName, truncate(text, 80))

	res, err := b.resolve(ctx, key)
	if err != nil {
		log.Printf("telegraph: %s: recover: %v", key, err)
		b.reply(ctx, msg.ChannelID, formatError(err))
		return
	}
	if res.Rejected != nil {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Previous working directory is unavailable (%v). Continuing in %s.", res.Rejected, res.WorkDir))
	}

	result, err := b.sessions.Send(ctx, key, session.Turn{
		WorkDir:  res.WorkDir,
		Text:     text,
		ResumeID: res.SessionID,
	})
	if err != nil {
		log.Printf("telegraph: %s: %v", key, err)
		b.reply(ctx, msg.ChannelID, formatError(err))
		return
	}

	content := strings.TrimSpace(result.Content)
	if content == "" {
		log.Printf("telegraph: %s: empty result", key)
		return
	}
	log.Printf("telegraph: %s: %d chars output", key, len(content))
	for _, chunk := range chunkMessage(content, b.chunkSize) {
		b.reply(ctx, msg.ChannelID, chunk)
	}
}

// resolve picks the working directory and resume id for key. A live session
// keeps its binding; otherwise the stored pointer is recovered.
func (b *Bridge) resolve(ctx context.Context, key session.Key) (recovery.Resolution, error) {
	if st, ok := b.sessions.Status(key); ok {
		return recovery.Resolution{WorkDir: st.WorkingDirectory}, nil
	}
	return b.store.Recover(ctx, key.UserID, key.Thread(), b.defaultDir, b.validator)
}

func (b *Bridge) reply(ctx context.Context, channelID, text string) {
	if err := b.adapter.Send(ctx, OutboundMessage{ChannelID: channelID, Text: text}); err != nil {
		log.Printf("telegraph: send to %s: %v", channelID, err)
	}
}
