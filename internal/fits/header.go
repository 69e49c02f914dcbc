package fits

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	keywordLength  = 8
	valueColumn    = 10 // zero-based start of the value field
	fixedFieldEnd  = 30 // one past the fixed-format numeric field
	minQuotedWidth = 8  // shortest string body, per the standard
)

// Card is one 80-character header record. Value is nil, bool, int64,
// float64, or string; COMMENT, HISTORY, and blank cards carry their text
// in Comment with a nil Value.
type Card struct {
	Keyword string
	Value   any
	Comment string
}

// Header is an ordered list of cards. Keywords are not required to be
// unique, but Set replaces the first occurrence.
type Header struct {
	cards []Card
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns the underlying card list.
func (h *Header) Cards() []Card {
	return h.cards
}

// Append adds a card without checking for duplicates.
func (h *Header) Append(c Card) {
	h.cards = append(h.cards, c)
}

// Set replaces the first card with the given keyword, or appends one.
func (h *Header) Set(keyword string, value any, comment string) {
	value = normalizeValue(value)
	for i := range h.cards {
		if h.cards[i].Keyword == keyword {
			h.cards[i].Value = value
			h.cards[i].Comment = comment
			return
		}
	}
	h.cards = append(h.cards, Card{Keyword: keyword, Value: value, Comment: comment})
}

// AddComment appends a COMMENT card.
func (h *Header) AddComment(text string) {
	h.cards = append(h.cards, Card{Keyword: "COMMENT", Comment: text})
}

// AddHistory appends a HISTORY card.
func (h *Header) AddHistory(text string) {
	h.cards = append(h.cards, Card{Keyword: "HISTORY", Comment: text})
}

// Del removes every card with the given keyword.
func (h *Header) Del(keyword string) {
	kept := h.cards[:0]
	for _, c := range h.cards {
		if c.Keyword != keyword {
			kept = append(kept, c)
		}
	}
	h.cards = kept
}

// Get returns the first card with the given keyword.
func (h *Header) Get(keyword string) (Card, bool) {
	for _, c := range h.cards {
		if c.Keyword == keyword {
			return c, true
		}
	}
	return Card{}, false
}

// Str returns a string-valued keyword.
func (h *Header) Str(keyword string) (string, bool) {
	c, ok := h.Get(keyword)
	if !ok {
		return "", false
	}
	s, ok := c.Value.(string)
	return s, ok
}

// Int returns an integer-valued keyword.
func (h *Header) Int(keyword string) (int64, bool) {
	c, ok := h.Get(keyword)
	if !ok {
		return 0, false
	}
	v, ok := c.Value.(int64)
	return v, ok
}

// Float returns a float-valued keyword; integer cards convert.
func (h *Header) Float(keyword string) (float64, bool) {
	c, ok := h.Get(keyword)
	if !ok {
		return 0, false
	}
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns a logical-valued keyword.
func (h *Header) Bool(keyword string) (bool, bool) {
	c, ok := h.Get(keyword)
	if !ok {
		return false, false
	}
	v, ok := c.Value.(bool)
	return v, ok
}

// normalizeValue narrows Go numeric types to the two the card model keeps.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

// encode renders the header as space-padded blocks ending in an END card.
func (h *Header) encode() []byte {
	out := make([]byte, 0, padLength((len(h.cards)+1)*CardLength))
	for _, c := range h.cards {
		out = append(out, formatCard(c)...)
	}
	out = append(out, formatCard(Card{Keyword: "END"})...)
	return padTo(out, ' ')
}

// formatCard renders one card into its fixed 80-character image.
func formatCard(c Card) []byte {
	card := make([]byte, CardLength)
	for i := range card {
		card[i] = ' '
	}

	kw := c.Keyword
	if len(kw) > keywordLength {
		kw = kw[:keywordLength]
	}
	copy(card, kw)

	if kw == "END" {
		return card
	}
	if c.Value == nil {
		// COMMENT, HISTORY, and blank cards: text fills the rest.
		copy(card[keywordLength:], c.Comment)
		return card
	}

	card[keywordLength] = '='
	pos := valueColumn

	switch v := c.Value.(type) {
	case string:
		body := strings.ReplaceAll(v, "'", "''")
		if len(body) < minQuotedWidth {
			body += strings.Repeat(" ", minQuotedWidth-len(body))
		}
		pos += copy(card[pos:], "'"+body+"'")
	case bool:
		ch := byte('F')
		if v {
			ch = 'T'
		}
		card[fixedFieldEnd-1] = ch
		pos = fixedFieldEnd
	case int64:
		pos += copy(card[pos:], fmt.Sprintf("%*d", fixedFieldEnd-valueColumn, v))
	case float64:
		s := strconv.FormatFloat(v, 'E', -1, 64)
		if pad := fixedFieldEnd - valueColumn - len(s); pad > 0 {
			s = strings.Repeat(" ", pad) + s
		}
		pos += copy(card[pos:], s)
	default:
		pos += copy(card[pos:], fmt.Sprintf("%v", v))
	}

	if c.Comment != "" && pos+3 < CardLength {
		copy(card[pos:], " / "+c.Comment)
	}
	return card
}

// parseHeader decodes cards until END and returns the block-aligned byte
// count consumed.
func parseHeader(data []byte) (*Header, int, error) {
	h := NewHeader()
	offset := 0
	for {
		if offset+CardLength > len(data) {
			return nil, 0, fmt.Errorf("truncated header: no END card")
		}

		raw := data[offset : offset+CardLength]
		offset += CardLength

		c, err := parseCard(raw)
		if err != nil {
			return nil, 0, err
		}
		if c.Keyword == "END" {
			break
		}
		if c.Keyword == "" && c.Value == nil && c.Comment == "" {
			continue
		}
		h.cards = append(h.cards, c)
	}
	return h, padLength(offset), nil
}

// parseCard decodes one raw 80-character card.
func parseCard(raw []byte) (Card, error) {
	kw := strings.TrimRight(string(raw[:keywordLength]), " \x00")
	if kw == "END" {
		return Card{Keyword: "END"}, nil
	}

	body := string(raw[keywordLength:])
	hasValue := len(body) >= 2 && body[0] == '=' && body[1] == ' '
	if !hasValue || kw == "COMMENT" || kw == "HISTORY" {
		return Card{Keyword: kw, Comment: strings.TrimRight(body, " \x00")}, nil
	}

	field := body[2:]
	trimmed := strings.TrimLeft(field, " ")
	if strings.HasPrefix(trimmed, "'") {
		value, rest, err := parseQuoted(trimmed[1:])
		if err != nil {
			return Card{}, fmt.Errorf("card %s: %w", kw, err)
		}
		return Card{Keyword: kw, Value: value, Comment: trailingComment(rest)}, nil
	}

	valstr := field
	comment := ""
	if slash := strings.IndexByte(field, '/'); slash >= 0 {
		valstr = field[:slash]
		comment = strings.TrimSpace(field[slash+1:])
	}
	valstr = strings.TrimSpace(valstr)
	if valstr == "" {
		return Card{Keyword: kw, Comment: comment}, nil
	}

	value, err := parseScalar(valstr)
	if err != nil {
		return Card{}, fmt.Errorf("card %s: %w", kw, err)
	}
	return Card{Keyword: kw, Value: value, Comment: comment}, nil
}

// parseQuoted consumes a string value; a doubled quote is a literal one.
func parseQuoted(body string) (string, string, error) {
	var sb strings.Builder
	i := 0
	for i < len(body) {
		if body[i] != '\'' {
			sb.WriteByte(body[i])
			i++
			continue
		}
		if i+1 < len(body) && body[i+1] == '\'' {
			sb.WriteByte('\'')
			i += 2
			continue
		}
		// Closing quote. Trailing spaces inside are not significant.
		return strings.TrimRight(sb.String(), " "), body[i+1:], nil
	}
	return "", "", fmt.Errorf("unterminated string value")
}

func trailingComment(rest string) string {
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return strings.TrimSpace(rest[slash+1:])
	}
	return ""
}

// parseScalar decodes a logical, integer, or float value field.
func parseScalar(s string) (any, error) {
	switch s {
	case "T":
		return true, nil
	case "F":
		return false, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	// Fortran-style D exponents appear in older writers.
	f := strings.Map(func(r rune) rune {
		if r == 'D' || r == 'd' {
			return 'E'
		}
		return r
	}, s)
	if v, err := strconv.ParseFloat(f, 64); err == nil {
		return v, nil
	}
	return nil, fmt.Errorf("unparseable value %q", s)
}
