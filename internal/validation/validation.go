// Package validation checks and normalises submission and moderation input.
// Every function is pure: it either returns a normalised value or an Errors
// list naming each offending field.
package validation

import (
	"fmt"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	"loop-library/internal/models"
)

const (
	maxTextLength    = 64
	maxTimeSignature = 64
	maxEmailLength   = 64
	maxTempo         = 999
)

// Field names as they appear on the wire.
const (
	FieldTitle         = "title"
	FieldAuthor        = "author"
	FieldKey           = "key"
	FieldTempo         = "tempo"
	FieldTimeSig1      = "timesig1"
	FieldTimeSig2      = "timesig2"
	FieldEmail         = "submissionEmail"
	FieldInstrument    = "instrument"
	FieldCaptcha       = "cf-turnstile-response"
	FieldFile          = "file"
	FieldFiles         = "files"
	FieldTimeSignature = "timesig"
)

// SubmissionFields lists every accepted multipart field.
var SubmissionFields = []string{
	FieldTitle, FieldAuthor, FieldKey, FieldTempo, FieldTimeSig1, FieldTimeSig2,
	FieldEmail, FieldInstrument, FieldCaptcha, FieldFile,
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every field violation found in one pass.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

func (e *Errors) add(field, format string, args ...any) {
	*e = append(*e, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Has reports whether field was rejected.
func (e Errors) Has(field string) bool {
	for _, fe := range e {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Upload is the binary attached to a submission.
type Upload struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Form carries the raw submission fields exactly as received.
type Form struct {
	Title           string
	Author          string
	Key             string
	Tempo           string
	TimeSig1        string
	TimeSig2        string
	SubmissionEmail string
	Instrument      string
	CaptchaResponse string
	File            *Upload
	// Unknown lists form fields that are not part of the schema.
	Unknown []string
}

// Capabilities toggles deployment-dependent rules.
type Capabilities struct {
	AllowMIDI bool
}

// Submission is the normalised result of a valid Form.
type Submission struct {
	Title           string
	Author          string
	Key             string
	Tempo           int
	TimeSignature   models.TimeSignature
	SubmissionEmail string
	Instrument      models.Instrument
	CaptchaResponse string
	MediaType       string
	MIDI            bool
	Data            []byte
}

// Files returns the extensions a submission of this media type is stored as.
func (s Submission) Files() []string {
	if s.MIDI {
		return []string{models.ExtensionMP3, models.ExtensionMIDI}
	}
	return []string{models.ExtensionMP3}
}

var audioMediaTypes = map[string]bool{
	"audio/mpeg":   false,
	"audio/mp3":    false,
	"audio/wav":    false,
	"audio/x-wav":  false,
	"audio/wave":   false,
	"audio/ogg":    false,
	"audio/midi":   true,
	"audio/x-midi": true,
	"audio/mid":    true,
}

// MediaType normalises a declared Content-Type and reports whether it is an
// allowed audio type and whether it is MIDI.
func MediaType(declared string) (mediaType string, midi bool, ok bool) {
	parsed, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil {
		return "", false, false
	}
	isMIDI, known := audioMediaTypes[parsed]
	if !known {
		return parsed, false, false
	}
	return parsed, isMIDI, true
}

// ValidateSubmission checks form against the submission schema.
func ValidateSubmission(form Form, caps Capabilities) (Submission, error) {
	var errs Errors
	out := Submission{}

	for _, field := range form.Unknown {
		errs.add(field, "unrecognized field")
	}

	out.Title = checkText(&errs, FieldTitle, form.Title, "Title")
	out.Author = checkText(&errs, FieldAuthor, form.Author, "Author")

	out.Key = strings.TrimSpace(form.Key)
	if out.Key == "" {
		errs.add(FieldKey, "Key is required")
	}

	if tempo, ok := parseInt(&errs, FieldTempo, form.Tempo, "Tempo"); ok && checkTempo(&errs, tempo) {
		out.Tempo = tempo
	}

	if beats, ok := parseInt(&errs, FieldTimeSig1, form.TimeSig1, "Time signature"); ok {
		switch {
		case beats <= 0:
			errs.add(FieldTimeSig1, "Time signature must be positive")
		case beats > maxTimeSignature:
			errs.add(FieldTimeSig1, "Time signature must be at most %d", maxTimeSignature)
		default:
			out.TimeSignature.Beats = beats
		}
	}
	if unit, ok := parseInt(&errs, FieldTimeSig2, form.TimeSig2, "Time signature"); ok {
		switch {
		case unit <= 0:
			errs.add(FieldTimeSig2, "Time signature must be positive")
		case unit > maxTimeSignature:
			errs.add(FieldTimeSig2, "Time signature must be at most %d", maxTimeSignature)
		default:
			out.TimeSignature.Unit = unit
		}
	}

	out.SubmissionEmail = checkEmail(&errs, form.SubmissionEmail)

	if instrument, ok := models.ParseInstrument(form.Instrument); ok {
		out.Instrument = instrument
	} else if strings.TrimSpace(form.Instrument) == "" {
		errs.add(FieldInstrument, "Instrument is required")
	} else {
		errs.add(FieldInstrument, "Instrument must be one of the following: %s", strings.Join(models.InstrumentNames(), ", "))
	}

	out.CaptchaResponse = strings.TrimSpace(form.CaptchaResponse)
	if out.CaptchaResponse == "" {
		errs.add(FieldCaptcha, "Captcha is required")
	}

	switch {
	case form.File == nil || len(form.File.Data) == 0:
		errs.add(FieldFile, "No file uploaded")
	default:
		mediaType, midi, ok := MediaType(form.File.MediaType)
		switch {
		case !ok:
			errs.add(FieldFile, "Invalid file type")
		case midi && !caps.AllowMIDI:
			errs.add(FieldFile, "MIDI uploads are not supported")
		default:
			out.MediaType = mediaType
			out.MIDI = midi
			out.Data = form.File.Data
		}
	}

	if len(errs) > 0 {
		return Submission{}, errs
	}
	return out, nil
}

func checkText(errs *Errors, field, value, label string) string {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		errs.add(field, "%s is required", label)
	case utf8.RuneCountInString(trimmed) > maxTextLength:
		errs.add(field, "%s must be at most %d characters", label, maxTextLength)
	}
	return trimmed
}

func checkEmail(errs *Errors, value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		errs.add(FieldEmail, "Email is required")
		return ""
	}
	if utf8.RuneCountInString(trimmed) > maxEmailLength {
		errs.add(FieldEmail, "Email must be at most %d characters", maxEmailLength)
		return ""
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed || !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		errs.add(FieldEmail, "Email must be a valid email address")
		return ""
	}
	return addr.Address
}

// checkTempo bounds tempo to what the loops table stores.
func checkTempo(errs *Errors, tempo int) bool {
	if tempo < 0 || tempo > maxTempo {
		errs.add(FieldTempo, "Tempo must be between 0 and %d", maxTempo)
		return false
	}
	return true
}

func parseInt(errs *Errors, field, value, label string) (int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		errs.add(field, "%s is required", label)
		return 0, false
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		errs.add(field, "%s must be a number", label)
		return 0, false
	}
	return parsed, true
}

// Approval carries moderator overrides. Nil pointers and an empty Files
// slice fall back to the submission's own values.
type Approval struct {
	Title         *string
	Key           *string
	Tempo         *int
	TimeSignature *string
	Instrument    *string
	Files         []string
}

// ApprovedLoop is the merged metadata for a loop about to be published.
type ApprovedLoop struct {
	Title         string
	Key           string
	Tempo         int
	TimeSignature string
	Instrument    models.Instrument
	Files         []string
}

// ValidateApproval merges overrides onto sub and checks the result. Files must
// be a subset of the files stored for the submission.
func ValidateApproval(sub models.Submission, overrides Approval) (ApprovedLoop, error) {
	var errs Errors
	out := ApprovedLoop{
		Title:         sub.Title,
		Key:           sub.Key,
		Tempo:         sub.Tempo,
		TimeSignature: sub.TimeSignature,
		Instrument:    sub.Instrument,
		Files:         append([]string(nil), sub.Files...),
	}

	if overrides.Title != nil {
		out.Title = checkText(&errs, FieldTitle, *overrides.Title, "Title")
	}
	if overrides.Key != nil {
		out.Key = strings.TrimSpace(*overrides.Key)
		if out.Key == "" {
			errs.add(FieldKey, "Key is required")
		}
	}
	if overrides.Tempo != nil && checkTempo(&errs, *overrides.Tempo) {
		out.Tempo = *overrides.Tempo
	}
	if overrides.TimeSignature != nil {
		ts, err := models.ParseTimeSignature(*overrides.TimeSignature)
		switch {
		case err != nil:
			errs.add(FieldTimeSignature, "%s", err.Error())
		case ts.Beats <= 0 || ts.Beats > maxTimeSignature || ts.Unit <= 0 || ts.Unit > maxTimeSignature:
			errs.add(FieldTimeSignature, "Time signature values must be between 1 and %d", maxTimeSignature)
		default:
			out.TimeSignature = ts.String()
		}
	}
	if overrides.Instrument != nil {
		instrument, ok := models.ParseInstrument(*overrides.Instrument)
		if !ok {
			errs.add(FieldInstrument, "Instrument must be one of the following: %s", strings.Join(models.InstrumentNames(), ", "))
		} else {
			out.Instrument = instrument
		}
	}
	if len(overrides.Files) > 0 {
		files := make([]string, 0, len(overrides.Files))
		seen := make(map[string]struct{}, len(overrides.Files))
		for _, ext := range overrides.Files {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if _, dup := seen[ext]; dup {
				continue
			}
			seen[ext] = struct{}{}
			if !models.ValidExtension(ext) || !contains(sub.Files, ext) {
				errs.add(FieldFiles, "File %q is not stored for this submission", ext)
				continue
			}
			files = append(files, ext)
		}
		out.Files = files
	}
	if len(out.Files) == 0 && !errs.Has(FieldFiles) {
		errs.add(FieldFiles, "At least one file is required")
	}

	if len(errs) > 0 {
		return ApprovedLoop{}, errs
	}
	return out, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
