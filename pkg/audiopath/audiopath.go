// Package audiopath is the blob layout shared by browser recorders, devices
// and the transcription worker:
//
//	audio/{org}/{session}/{seq:06d}.{ext}   sequenced part
//	audio/{org}/{session}.{ext}             combined recording
//	audio/{org}/{session}/worker-progress.json
//	audio/{org}/{session}/finalize.json     (legacy progress)
//	audio/{org}/{session}/transcript.json
package audiopath

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	root = "audio"

	DefaultExt = "webm"

	ProgressFile       = "worker-progress.json"
	LegacyProgressFile = "finalize.json"
	TranscriptFile     = "transcript.json"
	MarkerFile         = ".keep"
)

// mimeRules is checked in order; the first substring match wins.
var mimeRules = []struct {
	needles []string
	ext     string
}{
	{[]string{"ogg"}, "ogg"},
	{[]string{"webm"}, "webm"},
	{[]string{"m4a", "mp4", "aac"}, "m4a"},
	{[]string{"wav"}, "wav"},
	{[]string{"flac"}, "flac"},
	{[]string{"mpeg", "mp3"}, "mp3"},
}

var audioSuffixes = []string{".ogg", ".webm", ".m4a", ".mp4", ".aac", ".wav", ".flac", ".mp3"}

// ExtForMIME maps a declared content type to a file extension.
func ExtForMIME(mimeType string) string {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	for _, rule := range mimeRules {
		for _, needle := range rule.needles {
			if strings.Contains(m, needle) {
				return rule.ext
			}
		}
	}
	return DefaultExt
}

// ContentType returns the MIME type stored with an object of the given
// extension when the client declared nothing usable.
func ContentType(ext string) string {
	switch ext {
	case "ogg":
		return "audio/ogg"
	case "m4a":
		return "audio/mp4"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "mp3":
		return "audio/mpeg"
	default:
		return "audio/webm"
	}
}

// IsAudio reports whether name carries a recognized audio suffix.
func IsAudio(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range audioSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// SessionPrefix is the folder holding a session's parts and documents,
// including the trailing slash.
func SessionPrefix(orgID, sessionID string) string {
	return path.Join(root, orgID, sessionID) + "/"
}

// Part is the key of the seq-th sequenced chunk.
func Part(orgID, sessionID string, seq int, ext string) string {
	return SessionPrefix(orgID, sessionID) + partStem(seq) + "." + ext
}

func partStem(seq int) string { return fmt.Sprintf("%06d", seq) }

// Combined is the key of a single full-length upload.
func Combined(orgID, sessionID, ext string) string {
	return path.Join(root, orgID, sessionID+"."+ext)
}

// CombinedPrefix matches every combined recording of the session. Listings
// under it may contain non-audio keys; filter with IsCombined.
func CombinedPrefix(orgID, sessionID string) string {
	return path.Join(root, orgID, sessionID) + "."
}

// IsCombined reports whether key is a combined recording of the session.
func IsCombined(orgID, sessionID, key string) bool {
	rest, ok := strings.CutPrefix(key, CombinedPrefix(orgID, sessionID))
	return ok && !strings.Contains(rest, "/") && IsAudio(key)
}

func Progress(orgID, sessionID string) string {
	return SessionPrefix(orgID, sessionID) + ProgressFile
}

func LegacyProgress(orgID, sessionID string) string {
	return SessionPrefix(orgID, sessionID) + LegacyProgressFile
}

func Transcript(orgID, sessionID string) string {
	return SessionPrefix(orgID, sessionID) + TranscriptFile
}

func Marker(orgID, sessionID string) string {
	return SessionPrefix(orgID, sessionID) + MarkerFile
}

// PartSeq extracts the sequence number from a part key. Only the stem Part
// writes is accepted, ASCII digits zero-padded to six places.
func PartSeq(key string) (int, bool) {
	name := path.Base(key)
	if !IsAudio(name) {
		return 0, false
	}
	stem, _, _ := strings.Cut(name, ".")
	for i := 0; i < len(stem); i++ {
		if stem[i] < '0' || stem[i] > '9' {
			return 0, false
		}
	}
	seq, err := strconv.Atoi(stem)
	if err != nil || partStem(seq) != stem {
		return 0, false
	}
	return seq, true
}
