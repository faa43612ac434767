package castprotocol

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"castrelay.app/castrelay/messages"
)

const (
	defaultReportInterval = 10 * time.Second
	reportSendTimeout     = 5 * time.Second
)

// MetadataSender is the send surface the reporter needs, implemented by
// *RelayClient.
type MetadataSender interface {
	SendMetadata(ctx context.Context, md messages.Metadata) (map[string]any, error)
}

// MetadataSource supplies the current playback state. Returning false means
// nothing is playing and the tick is skipped.
type MetadataSource func() (messages.Metadata, bool)

// Reporter publishes playback metadata to the room while content is playing,
// paced by a rate limiter to one report per interval. Sends are best-effort:
// a report that cannot be delivered (reconnecting, push error) is dropped,
// never queued.
type Reporter struct {
	sender   MetadataSender
	source   MetadataSource
	limiter  *rate.Limiter
	stop     chan struct{}
	stopOnce sync.Once

	LogOutput   io.Writer
	Logger      zerolog.Logger
	initLogOnce sync.Once
}

// NewReporter returns a stopped reporter. interval <= 0 uses the default.
func NewReporter(sender MetadataSender, source MetadataSource, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = defaultReportInterval
	}

	return &Reporter{
		sender:  sender,
		source:  source,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		stop:    make(chan struct{}),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (r *Reporter) Log() *zerolog.Logger {
	if r.LogOutput != nil {
		r.initLogOnce.Do(func() {
			r.Logger = zerolog.New(r.LogOutput).With().Timestamp().Logger()
		})
	}
	return &r.Logger
}

// Start launches the reporting loop. It returns immediately; the loop runs
// until Stop or ctx cancellation.
func (r *Reporter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	go r.run(runCtx)
}

// Stop halts the loop. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// run is paced by the limiter alone: Wait blocks until the next report slot,
// so reports can never fire faster than one per interval even if a send
// returns early.
func (r *Reporter) run(ctx context.Context) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-r.stop:
			return
		default:
		}
		r.tick(ctx)
	}
}

func (r *Reporter) tick(ctx context.Context) {
	md, playing := r.source()
	if !playing {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, reportSendTimeout)
	defer cancel()

	if _, err := r.sender.SendMetadata(sendCtx, md); err != nil {
		r.Log().Debug().Str("Method", "tick").Err(err).Msg("metadata report dropped")
	}
}
