package download

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// [download]  42.7% of ~  3.52MiB at  1.21MiB/s ETA 00:03 (frag 2/9)
	downloadPercentRe = regexp.MustCompile(`\[download\]\s+(\d{1,3}(?:\.\d+)?)%`)
	downloadETARe     = regexp.MustCompile(`ETA\s+(\d{1,2}(?::\d{2}){1,2})`)

	// size=    1024kB time=00:01:02.50 bitrate= 134.2kbits/s speed=31.2x
	transcodeTimeRe = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	// Duration: 00:03:20.05, start: 0.000000, bitrate: 128 kb/s
	inputDurationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// parseDownloadProgress extracts the percent and ETA from one downloader line
func parseDownloadProgress(line string) (percent float64, etaSeconds int, ok bool) {
	m := downloadPercentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil || percent < 0 || percent > 100 {
		return 0, 0, false
	}
	if e := downloadETARe.FindStringSubmatch(line); e != nil {
		etaSeconds = parseClock(e[1])
	}
	return percent, etaSeconds, true
}

// parseTranscodeTime extracts the mid-transcode heartbeat position
func parseTranscodeTime(line string) (time.Duration, bool) {
	return parseHMS(transcodeTimeRe, line)
}

// parseInputDuration extracts the input length the transcoder reports up front
func parseInputDuration(line string) (time.Duration, bool) {
	return parseHMS(inputDurationRe, line)
}

func parseHMS(re *regexp.Regexp, line string) (time.Duration, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec*float64(time.Second))
	return d, true
}

// parseClock converts "mm:ss" or "hh:mm:ss" to seconds
func parseClock(s string) int {
	total := 0
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// scanLinesOrCR splits on \n or \r; the transcoder rewrites its status line
// with \r. Blank segments are consumed without producing a token.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		i := bytes.IndexAny(data[advance:], "\r\n")
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(data[advance : advance+i])
		advance += i + 1
		if len(line) > 0 {
			return advance, line, nil
		}
	}
	if atEOF {
		if line := bytes.TrimSpace(data[advance:]); len(line) > 0 {
			return len(data), line, nil
		}
		return len(data), nil, nil
	}
	return advance, nil, nil
}

// scanOutput feeds every non-empty line of r to fn until r is exhausted
func scanOutput(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) WriteLine(line string) {
	t.Write([]byte(line + "\n"))
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
