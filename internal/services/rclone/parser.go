package rclone

import (
	"regexp"
	"strconv"
	"strings"
)

// OutputParser scrapes transfer progress and failure signals out of rclone's
// unstructured output. Isolated behind an interface so the strategy can be
// swapped per tool version without touching the download logic.
type OutputParser interface {
	Parse(line string) (ProgressUpdate, bool)
	AuthFailure(line string) bool
}

var (
	percentPattern = regexp.MustCompile(`(\d{1,3})%`)
	speedPattern   = regexp.MustCompile(`([\d.]+\s?[KMGT]?i?B/s)`)
	etaPattern     = regexp.MustCompile(`ETA\s+([\dwdhms]+)`)
)

// authFailurePhrases are the known rclone output fragments for rejected
// credentials across HTTP and WebDAV backends.
var authFailurePhrases = []string{
	"401 unauthorized",
	"403 forbidden",
	"authentication failed",
	"access denied",
	"no_auth_provided",
	"invalid credentials",
}

type statsParser struct{}

// NewStatsParser parses rclone --stats-one-line output.
func NewStatsParser() OutputParser {
	return statsParser{}
}

func (statsParser) Parse(line string) (ProgressUpdate, bool) {
	match := percentPattern.FindStringSubmatch(line)
	if match == nil {
		return ProgressUpdate{}, false
	}
	percent, err := strconv.Atoi(match[1])
	if err != nil || percent > 100 {
		return ProgressUpdate{}, false
	}
	update := ProgressUpdate{Percent: percent}
	if speed := speedPattern.FindStringSubmatch(line); speed != nil {
		update.Speed = strings.TrimSpace(speed[1])
	}
	if eta := etaPattern.FindStringSubmatch(line); eta != nil {
		update.ETA = eta[1]
	}
	return update, true
}

func (statsParser) AuthFailure(line string) bool {
	lowered := strings.ToLower(line)
	for _, phrase := range authFailurePhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
