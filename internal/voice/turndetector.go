package voice

import (
	"strings"
	"time"
)

// turnDetector decides when a user has finished speaking. It accumulates
// finalized transcript fragments and rearms a single silence timer on each
// one; the session loop fires a turn boundary when the timer expires or the
// recognizer signals an explicit utterance end.
//
// All methods are called from the session event loop only.
type turnDetector struct {
	threshold time.Duration
	timer     *time.Timer
	fragments []string
}

func newTurnDetector(threshold time.Duration) *turnDetector {
	t := time.NewTimer(threshold)
	if !t.Stop() {
		<-t.C
	}
	return &turnDetector{threshold: threshold, timer: t}
}

// Append records one finalized fragment and rearms the silence timer.
func (d *turnDetector) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.fragments = append(d.fragments, text)
	d.rearm()
}

func (d *turnDetector) rearm() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(d.threshold)
}

// Expired is the silence-timer channel for the session select loop.
func (d *turnDetector) Expired() <-chan time.Time {
	return d.timer.C
}

func (d *turnDetector) HasPending() bool {
	return len(d.fragments) > 0
}

// Take returns the space-joined accumulated transcript and clears the
// accumulator in the same step. Fragments arriving afterwards belong to the
// next turn.
func (d *turnDetector) Take() string {
	text := strings.Join(d.fragments, " ")
	d.fragments = d.fragments[:0]
	d.stopTimer()
	return text
}

func (d *turnDetector) Stop() {
	d.fragments = nil
	d.stopTimer()
}

func (d *turnDetector) stopTimer() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
}
