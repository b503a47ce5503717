// Package corpus reads JSONL response corpora and rater label files and
// loads them into the database.
package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

// MaxLineBytes is the longest line accepted. Longer lines are excluded.
const MaxLineBytes = 1 << 20

// Exclusion reasons.
const (
	ReasonMalformed    = "malformed json"
	ReasonEmptyText    = "empty text"
	ReasonUnknownLabel = "unknown label"
	ReasonLineTooLong  = "line too long"
	ReasonDuplicateID  = "duplicate id"
	ReasonMissingID    = "missing id"
	ReasonMissingLabel = "missing label"
	ReasonUnknownID    = "unknown response"
	ReasonRelabel      = "rater already labeled response"
	ReasonFinalized    = "response already finalized"
)

// Record is one corpus line.
type Record struct {
	Line  int
	ID    string
	Text  string
	Label phase.Category
	Rater string
}

// HasLabel reports whether the line carried a label.
func (r Record) HasLabel() bool { return r.Label != "" }

// Exclusion is a line left out of counting, with the reason.
type Exclusion struct {
	Line   int
	Ref    string
	Reason string
}

func (e Exclusion) String() string {
	if e.Ref != "" {
		return fmt.Sprintf("line %d (%s): %s", e.Line, e.Ref, e.Reason)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

type rawRecord struct {
	ID    *json.RawMessage `json:"id"`
	Text  *string          `json:"text"`
	Label *string          `json:"label"`
	Rater *string          `json:"rater"`
}

// Reader streams records from JSONL input. Blank lines are skipped
// silently; every other bad line comes back as an Exclusion.
type Reader struct {
	br          *bufio.Reader
	line        int
	requireText bool
}

// NewReader reads a response corpus: every line needs non-empty text.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), requireText: true}
}

// NewLabelReader reads a label file: lines carry an id and a label and
// text is ignored.
func NewLabelReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, or an exclusion for a bad line. It
// returns io.EOF when the input is exhausted.
func (r *Reader) Next() (*Record, *Exclusion, error) {
	for {
		line, tooLong, err := r.readLine()
		if err != nil {
			return nil, nil, err
		}
		r.line++
		if tooLong {
			return nil, &Exclusion{Line: r.line, Reason: ReasonLineTooLong}, nil
		}
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		rec, excl := r.parse(line)
		return rec, excl, nil
	}
}

// readLine returns the next line without its terminator. Lines over
// MaxLineBytes are drained and reported as too long.
func (r *Reader) readLine() ([]byte, bool, error) {
	var buf []byte
	tooLong := false
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > MaxLineBytes+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		switch {
		case err == nil:
			return trimEOL(buf), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 && !tooLong {
				return nil, false, io.EOF
			}
			return trimEOL(buf), tooLong, nil
		default:
			return nil, false, err
		}
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (r *Reader) parse(line []byte) (*Record, *Exclusion) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &Exclusion{Line: r.line, Reason: ReasonMalformed}
	}

	rec := &Record{Line: r.line}
	if raw.ID != nil {
		id, err := decodeID(*raw.ID)
		if err != nil {
			return nil, &Exclusion{Line: r.line, Reason: ReasonMalformed}
		}
		rec.ID = id
	}
	if raw.Text != nil {
		rec.Text = strings.TrimSpace(*raw.Text)
	}
	if raw.Rater != nil {
		rec.Rater = strings.TrimSpace(*raw.Rater)
	}

	if r.requireText && rec.Text == "" {
		return nil, &Exclusion{Line: r.line, Ref: rec.ID, Reason: ReasonEmptyText}
	}

	if raw.Label != nil && strings.TrimSpace(*raw.Label) != "" {
		cat, err := phase.Parse(*raw.Label)
		if err != nil {
			return nil, &Exclusion{Line: r.line, Ref: rec.ID, Reason: ReasonUnknownLabel}
		}
		rec.Label = cat
	}

	if !r.requireText {
		if rec.ID == "" {
			return nil, &Exclusion{Line: r.line, Reason: ReasonMissingID}
		}
		if !rec.HasLabel() {
			return nil, &Exclusion{Line: r.line, Ref: rec.ID, Reason: ReasonMissingLabel}
		}
	}
	return rec, nil
}

// decodeID accepts string or numeric ids. null decodes to "".
func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported id %s", raw)
}
