package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Instrument categorises a loop. The set is closed; see Instruments.
type Instrument string

const (
	InstrumentOther      Instrument = "other"
	InstrumentBass       Instrument = "bass"
	InstrumentDrums      Instrument = "drums"
	InstrumentFX         Instrument = "fx"
	InstrumentGuitar     Instrument = "guitar"
	InstrumentKeys       Instrument = "keys"
	InstrumentOrchestral Instrument = "orchestral"
	InstrumentVocals     Instrument = "vocals"
)

// Instruments lists every accepted instrument in display order.
var Instruments = []Instrument{
	InstrumentOther,
	InstrumentBass,
	InstrumentDrums,
	InstrumentFX,
	InstrumentGuitar,
	InstrumentKeys,
	InstrumentOrchestral,
	InstrumentVocals,
}

// ParseInstrument reports whether value names a known instrument.
func ParseInstrument(value string) (Instrument, bool) {
	candidate := Instrument(strings.TrimSpace(value))
	if slices.Contains(Instruments, candidate) {
		return candidate, true
	}
	return "", false
}

// InstrumentNames returns the instrument set as plain strings.
func InstrumentNames() []string {
	names := make([]string, 0, len(Instruments))
	for _, instrument := range Instruments {
		names = append(names, string(instrument))
	}
	return names
}

// File extensions stored in the object store.
const (
	ExtensionMP3  = "mp3"
	ExtensionMIDI = "mid"
)

// Loop types derived from the stored files.
const (
	LoopTypeAudio = "audio"
	LoopTypeMIDI  = "midi"
)

// ContentTypeForExtension maps a stored extension to the Content-Type used
// when streaming it back to clients.
func ContentTypeForExtension(ext string) string {
	if strings.EqualFold(ext, ExtensionMP3) {
		return "audio/mpeg"
	}
	return "audio/mid"
}

// LoopTypeForFiles returns "midi" when the file list carries a MIDI file.
func LoopTypeForFiles(files []string) string {
	if slices.Contains(files, ExtensionMIDI) {
		return LoopTypeMIDI
	}
	return LoopTypeAudio
}

// ValidExtension reports whether ext is one the service stores.
func ValidExtension(ext string) bool {
	return ext == ExtensionMP3 || ext == ExtensionMIDI
}

// TimeSignature is a numerator/denominator pair serialised as "N/D".
type TimeSignature struct {
	Beats int
	Unit  int
}

func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.Beats, ts.Unit)
}

// ParseTimeSignature parses the "N/D" form.
func ParseTimeSignature(value string) (TimeSignature, error) {
	numerator, denominator, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return TimeSignature{}, fmt.Errorf("time signature %q must look like N/D", value)
	}
	beats, err := strconv.Atoi(strings.TrimSpace(numerator))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("time signature numerator %q is not a number", numerator)
	}
	unit, err := strconv.Atoi(strings.TrimSpace(denominator))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("time signature denominator %q is not a number", denominator)
	}
	return TimeSignature{Beats: beats, Unit: unit}, nil
}

// Submission is a user contribution awaiting confirmation and moderation.
type Submission struct {
	ID              string     `json:"_id"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Files           []string   `json:"files"`
	Key             string     `json:"key"`
	Tempo           int        `json:"tempo"`
	Type            string     `json:"type"`
	TimeSignature   string     `json:"timesig"`
	Instrument      Instrument `json:"instrument"`
	Name            string     `json:"name"`
	SubmissionEmail string     `json:"submissionEmail"`
	SubmissionIP    string     `json:"submissionIP"`
	CreatedAt       time.Time  `json:"date"`
	Confirmed       bool       `json:"confirmed"`
}

// Clone returns a deep copy so callers cannot alias the file list.
func (s Submission) Clone() Submission {
	s.Files = slices.Clone(s.Files)
	return s
}

// ConfirmationID is the one-time token proving control of the submission email.
type ConfirmationID struct {
	Token           string    `json:"token"`
	SubmissionID    string    `json:"submissionID"`
	SubmissionEmail string    `json:"submissionEmail"`
	CreatedAt       time.Time `json:"date"`
}

// Expired reports whether the token is older than ttl at now.
func (c ConfirmationID) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}

// Loop is a published loop. Its ID is carried over from the originating
// submission so object keys stay stable.
type Loop struct {
	ID            string     `json:"_id"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	Files         []string   `json:"files"`
	Key           string     `json:"key"`
	Tempo         int        `json:"tempo"`
	Type          string     `json:"type"`
	TimeSignature string     `json:"timesig"`
	Name          string     `json:"name"`
	Instrument    Instrument `json:"instrument"`
	Added         time.Time  `json:"added"`
}

// Clone returns a deep copy of the loop.
func (l Loop) Clone() Loop {
	l.Files = slices.Clone(l.Files)
	return l
}
