package reportstore

import (
	"errors"
	"io/fs"
)

// Cursor is a forward-only sequence of batches. First starts a pass and
// must be called once before Next.
type Cursor interface {
	First() *Batch
	Next() *Batch
}

// BatchCursor stitches the queue's in-memory batches and the on-disk batch
// files into one stream. The disk index is snapshotted by First, so files
// written during the pass are left for the next one. Disk files come in
// listing order, not timestamp order.
type BatchCursor struct {
	queue   *Queue
	memory  []*Batch
	files   []BatchFile
	pos     int
	started bool
}

// First begins the pass. It returns nil when nothing is pending.
func (c *BatchCursor) First() *Batch {
	c.started = true
	c.memory = c.queue.takeInMemory()
	c.files = c.queue.store.Index().Files
	c.pos = 0
	return c.Next()
}

// Next returns the following batch, or nil once the pass is exhausted.
func (c *BatchCursor) Next() *Batch {
	if !c.started {
		return nil
	}
	if len(c.memory) > 0 {
		b := c.memory[0]
		c.memory = c.memory[1:]
		return b
	}
	for c.pos < len(c.files) {
		f := c.files[c.pos]
		c.pos++
		b, err := c.queue.store.Load(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.queue.logger.Debug().Str("file", f.Name).Msg("Batch file vanished during pass, skipping.")
			} else {
				c.queue.logger.Warn().Err(err).Str("file", f.Name).Msg("Unreadable batch file, skipping.")
			}
			continue
		}
		return b
	}
	return nil
}
