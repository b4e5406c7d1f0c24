package session

import (
	"sync"
)

// playbackScheduler assigns each outbound audio chunk a start time on the
// client's playback timeline. A single watermark tracks where queued audio
// ends; chunks are scheduled back to back with no gaps and no overlap, and
// playback resumes at "now" once the queue has drained.
type playbackScheduler struct {
	mu           sync.Mutex
	sampleRateHz int
	nextStartMS  int64
}

func newPlaybackScheduler(sampleRateHz int) *playbackScheduler {
	if sampleRateHz <= 0 {
		sampleRateHz = 24000
	}
	return &playbackScheduler{sampleRateHz: sampleRateHz}
}

// Schedule returns the start time and duration for a chunk of 16-bit mono PCM
// arriving at nowMS, and advances the watermark past it.
func (p *playbackScheduler) Schedule(nowMS int64, pcmBytes int) (playAtMS, durationMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := int64(pcmBytes / 2)
	durationMS = samples * 1000 / int64(p.sampleRateHz)

	playAtMS = p.nextStartMS
	if nowMS > playAtMS {
		playAtMS = nowMS
	}
	p.nextStartMS = playAtMS + durationMS
	return playAtMS, durationMS
}

// Reset drops the watermark so the next chunk starts immediately. Called when
// queued playback is flushed after an interruption.
func (p *playbackScheduler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextStartMS = 0
}

// PendingMS reports how much scheduled audio remains unplayed at nowMS.
func (p *playbackScheduler) PendingMS(nowMS int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextStartMS <= nowMS {
		return 0
	}
	return p.nextStartMS - nowMS
}
