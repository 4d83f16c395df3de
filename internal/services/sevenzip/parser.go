package sevenzip

import (
	"regexp"
	"strconv"
	"strings"
)

// OutputParser scrapes extraction progress and failure signals out of 7-Zip
// output. Isolated behind an interface so the strategy can be swapped per
// tool version.
type OutputParser interface {
	Parse(line string) (percent int, ok bool)
	// ClassifyFailure returns a non-nil classified error for known fatal
	// output lines.
	ClassifyFailure(line string) error
}

var progressPattern = regexp.MustCompile(`^\s*(\d{1,3})%`)

var wrongPasswordPhrases = []string{
	"wrong password",
	"cannot open encrypted archive",
}

var corruptionPhrases = []string{
	"crc failed",
	"data error",
	"headers error",
}

type progressParser struct{}

// NewProgressParser parses 7-Zip -bsp1 progress output.
func NewProgressParser() OutputParser {
	return progressParser{}
}

func (progressParser) Parse(line string) (int, bool) {
	match := progressPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	percent, err := strconv.Atoi(match[1])
	if err != nil || percent > 100 {
		return 0, false
	}
	return percent, true
}

func (progressParser) ClassifyFailure(line string) error {
	lowered := strings.ToLower(line)
	for _, phrase := range wrongPasswordPhrases {
		if strings.Contains(lowered, phrase) {
			return ErrWrongPassword
		}
	}
	for _, phrase := range corruptionPhrases {
		if strings.Contains(lowered, phrase) {
			return ErrDataCorruption
		}
	}
	return nil
}
