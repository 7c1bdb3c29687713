// Package progress renders batch progress on the terminal.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/orchestrator"
)

// Bar counts finished requests and downloaded bytes.
type Bar struct {
	bar   *progressbar.ProgressBar
	bytes atomic.Int64
	done  atomic.Int64
	mu    sync.Mutex
	last  string
}

// New returns a bar for total requests writing to w.
func New(w io.Writer, total int) *Bar {
	return &Bar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionFullWidth(),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)}
}

// Observe is an orchestrator.Observer.
func (b *Bar) Observe(e orchestrator.Event) {
	if !e.To.Terminal() {
		b.describe(fmt.Sprintf("%s %s", e.To, e.Request.ID))
		return
	}
	b.done.Add(1)
	_ = b.bar.Add(1)
	if e.To == apkpackage.Failed {
		b.describe("failed " + e.Request.ID)
	}
}

// AddBytes is the transfer progress callback.
func (b *Bar) AddBytes(n int64) {
	total := b.bytes.Add(n)
	b.mu.Lock()
	last := b.last
	b.mu.Unlock()
	b.bar.Describe(fmt.Sprintf("%s (%s)", last, humanize.Bytes(uint64(total))))
}

func (b *Bar) describe(s string) {
	b.mu.Lock()
	b.last = s
	b.mu.Unlock()
	b.bar.Describe(fmt.Sprintf("%s (%s)", s, humanize.Bytes(uint64(b.bytes.Load()))))
}

// Done is the number of requests that reached a terminal state.
func (b *Bar) Done() int64 { return b.done.Load() }

// Bytes is the total downloaded so far.
func (b *Bar) Bytes() int64 { return b.bytes.Load() }

// Finish completes the bar.
func (b *Bar) Finish() { _ = b.bar.Finish() }
