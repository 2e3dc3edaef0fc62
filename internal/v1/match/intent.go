// Package match implements intent-based pairing: the per-(intent, medium)
// waiting queues and the room registry that binds two matched sessions.
package match

import (
	"github.com/devroulette/backend/internal/v1/errs"
)

// Intent is the declared purpose of a pairing request.
type Intent string

// Medium is the declared communication modality.
type Medium string

const (
	IntentCasual    Intent = "casual"
	IntentPitch     Intent = "pitch"
	IntentCollab    Intent = "collab"
	IntentHire      Intent = "hire"
	IntentFreelance Intent = "freelance"
	IntentReview    Intent = "review"
)

const (
	MediumVideo Medium = "video"
	MediumChat  Medium = "chat"
)

// Intents is the closed set of valid intents.
var Intents = []Intent{IntentCasual, IntentPitch, IntentCollab, IntentHire, IntentFreelance, IntentReview}

// Media is the closed set of valid media.
var Media = []Medium{MediumVideo, MediumChat}

// ParseIntent validates a client-supplied intent string.
func ParseIntent(s string) (Intent, error) {
	for _, i := range Intents {
		if Intent(s) == i {
			return i, nil
		}
	}
	return "", errs.Newf(errs.KindInvalidArgument, "unknown intent %q", s)
}

// ParseMedium validates a client-supplied medium string.
func ParseMedium(s string) (Medium, error) {
	for _, m := range Media {
		if Medium(s) == m {
			return m, nil
		}
	}
	return "", errs.Newf(errs.KindInvalidArgument, "unknown medium %q", s)
}

// Target returns the intent whose queue a pairing request draws from.
// hire pairs with freelance (and vice versa); every other intent pairs
// with itself.
func (i Intent) Target() Intent {
	switch i {
	case IntentHire:
		return IntentFreelance
	case IntentFreelance:
		return IntentHire
	default:
		return i
	}
}

// QueueKey is the store key of the waiting list for an (intent, medium).
func QueueKey(intent Intent, medium Medium) string {
	return "queue:" + string(intent) + ":" + string(medium)
}
