package host

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// scheduleQuestionTimer arms the deadline for a question, replacing any
// timer from a previous question. When it fires the controller ends the
// question itself; player-side countdowns are cosmetic.
func (c *Controller) scheduleQuestionTimer(questionIndex int) {
	c.mu.Lock()
	if c.closed || questionIndex < 0 || questionIndex >= len(c.quiz.Questions) {
		c.mu.Unlock()
		return
	}
	limit := time.Duration(c.quiz.Questions[questionIndex].TimeLimitSeconds) * time.Second

	if c.questionTimer != nil {
		stopAndDrainTimer(c.questionTimer)
	}
	if c.timerDone != nil {
		close(c.timerDone)
	}
	timer := c.clock.NewTimer(limit)
	done := make(chan struct{})
	c.questionTimer = timer
	c.timerDone = done
	c.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.EndCurrentQuestion(ctx); err != nil {
				// A host that ended the question manually races the
				// timer here; that loss is expected.
				c.logger.Debug().Err(err).Int("question", questionIndex).Msg("deadline fire did not transition")
			}
		case <-done:
		}
	}()

	c.logger.Debug().Int("question", questionIndex).Dur("limit", limit).Msg("question deadline armed")
}

// cancelQuestionTimer disarms the active deadline, if any.
func (c *Controller) cancelQuestionTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.questionTimer != nil {
		stopAndDrainTimer(c.questionTimer)
		c.questionTimer = nil
	}
	if c.timerDone != nil {
		close(c.timerDone)
		c.timerDone = nil
	}
}

// stopAndDrainTimer stops a timer and drains its channel so the firing
// goroutine cannot act on a stale deadline.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
