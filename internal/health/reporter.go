// Package health reports readiness of the three external collaborators based
// purely on configured credentials. It never calls the paid services.
package health

import "time"

// Status is the overall readiness of the gateway's collaborators.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Report is the readiness snapshot returned to pollers.
type Report struct {
	Status    Status   `json:"status"`
	Missing   []string `json:"missing"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Dependency names one required credential and whether it is configured.
type Dependency struct {
	Name string
	Set  bool
}

// Reporter evaluates credential presence for the transcription, reply and
// synthesis services. Stateless and safe to poll on an interval.
type Reporter struct {
	stt Dependency
	llm Dependency
	tts Dependency
}

// NewReporter creates a reporter over the three collaborator credentials.
func NewReporter(stt, llm, tts Dependency) *Reporter {
	return &Reporter{stt: stt, llm: llm, tts: tts}
}

// Report returns the current readiness: healthy when nothing is missing, down
// when all three collaborators are unconfigured, degraded otherwise.
func (r *Reporter) Report() Report {
	missing := make([]string, 0, 3)
	for _, d := range []Dependency{r.stt, r.llm, r.tts} {
		if !d.Set {
			missing = append(missing, d.Name)
		}
	}

	status := StatusHealthy
	switch {
	case len(missing) == 3:
		status = StatusDown
	case len(missing) > 0:
		status = StatusDegraded
	}

	return Report{
		Status:    status,
		Missing:   missing,
		Message:   fallbackMessage(!r.stt.Set, !r.llm.Set, !r.tts.Set),
		Timestamp: time.Now().Unix(),
	}
}

// fallbackMessage is the user-visible summary for each failure combination.
func fallbackMessage(stt, llm, tts bool) string {
	switch {
	case stt && llm && tts:
		return "I'm experiencing technical difficulties with all services. Please try again later."
	case stt && llm:
		return "I'm having trouble understanding your audio and processing requests right now. Please try again later."
	case stt && tts:
		return "I'm having trouble with audio processing right now. Please try again later."
	case llm && tts:
		return "I'm having trouble processing and responding to requests right now. Please try again later."
	case stt:
		return "I'm having trouble understanding the audio right now. Please try again or speak more clearly."
	case llm:
		return "I'm having trouble processing your request right now. Please try again later."
	case tts:
		return "I'm having trouble generating audio responses right now, but I can still process your requests."
	default:
		return "All systems operational."
	}
}
