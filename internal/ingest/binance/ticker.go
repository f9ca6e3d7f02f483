package binance

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tickerflow/internal/model"
	"tickerflow/pkg/exception"
)

// tickerPayload is the subset of a 24hr ticker event the pipeline consumes.
// Fields stay raw so conversion failures can name the offending field.
type tickerPayload struct {
	Symbol    json.RawMessage `json:"s"`
	Price     json.RawMessage `json:"p"`
	High      json.RawMessage `json:"h"`
	Low       json.RawMessage `json:"l"`
	Volume    json.RawMessage `json:"v"`
	EventTime json.RawMessage `json:"E"`

	// combined stream envelope
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	// control frames
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Code   json.RawMessage `json:"code"`
	Msg    string          `json:"msg"`
}

var null = []byte("null")

// api matches keys exactly: ticker frames carry both "p" and "P", "l" and "L".
var api = sonic.Config{CaseSensitive: true}.Froze()

// FieldError names the ticker field that failed validation.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return "field " + e.Field + ": " + e.Err.Error()
	}
	return "field " + e.Field + " (" + e.Value + "): " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &FieldError{Field: field, Err: exception.ErrMissingField}
}

func malformed(field string, value []byte) error {
	return &FieldError{Field: field, Value: string(value), Err: exception.ErrMalformedField}
}

// Normalize validates a raw feed payload and converts it into a TickerRecord.
//
// Subscription acknowledgements and error frames return exception.ErrControlMessage.
// Every other failure is one of exception.ErrInvalidPayload,
// exception.ErrMissingField or exception.ErrMalformedField.
func Normalize(msg model.RawMessage) (model.TickerRecord, error) {
	payload := bytes.TrimSpace(msg.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return model.TickerRecord{}, exception.ErrInvalidPayload
	}

	var p tickerPayload
	if err := api.Unmarshal(payload, &p); err != nil {
		return model.TickerRecord{}, errors.Wrap(exception.ErrInvalidPayload, err.Error())
	}

	if len(p.Data) != 0 && p.Stream != "" {
		var inner tickerPayload
		if err := api.Unmarshal(p.Data, &inner); err != nil {
			return model.TickerRecord{}, errors.Wrapf(exception.ErrInvalidPayload, "stream %s: %s", p.Stream, err.Error())
		}
		p = inner
	}

	if isControl(p) {
		return model.TickerRecord{}, exception.ErrControlMessage
	}

	return p.record()
}

func isControl(p tickerPayload) bool {
	if len(p.Symbol) != 0 {
		return false
	}
	return len(p.ID) != 0 || len(p.Result) != 0 || len(p.Code) != 0
}

func (p tickerPayload) record() (model.TickerRecord, error) {
	var (
		rec model.TickerRecord
		err error
	)
	if rec.Symbol, err = parseSymbol(p.Symbol); err != nil {
		return model.TickerRecord{}, err
	}
	if rec.Price, err = parseFloat("p", p.Price); err != nil {
		return model.TickerRecord{}, err
	}
	if rec.High, err = parseFloat("h", p.High); err != nil {
		return model.TickerRecord{}, err
	}
	if rec.Low, err = parseFloat("l", p.Low); err != nil {
		return model.TickerRecord{}, err
	}
	if rec.Volume, err = parseFloat("v", p.Volume); err != nil {
		return model.TickerRecord{}, err
	}
	if rec.EventTimeMillis, err = parseMillis("E", p.EventTime); err != nil {
		return model.TickerRecord{}, err
	}
	return rec, nil
}

func parseSymbol(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return "", missing("s")
	}
	var symbol string
	if err := api.Unmarshal(raw, &symbol); err != nil || symbol == "" {
		return "", malformed("s", raw)
	}
	return symbol, nil
}

// scalar unquotes a JSON string or returns a bare JSON number as is.
func scalar(field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return "", missing(field)
	}
	if raw[0] != '"' {
		return string(raw), nil
	}
	s, err := strconv.Unquote(string(raw))
	if err != nil {
		return "", malformed(field, raw)
	}
	return s, nil
}

func parseFloat(field string, raw json.RawMessage) (float64, error) {
	s, err := scalar(field, raw)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed(field, []byte(s))
	}
	return v, nil
}

func parseMillis(field string, raw json.RawMessage) (int64, error) {
	s, err := scalar(field, raw)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, malformed(field, []byte(s))
	}
	return v, nil
}

// EncodeTicker renders a record in the upstream ticker shape; Normalize(EncodeTicker(r)) == r.
func EncodeTicker(rec model.TickerRecord) []byte {
	dst := make([]byte, 0, 128)
	dst = append(dst, `{"e":"24hrTicker","E":`...)
	dst = strconv.AppendInt(dst, rec.EventTimeMillis, 10)
	dst = append(dst, `,"s":`...)
	dst = strconv.AppendQuote(dst, rec.Symbol)
	dst = appendFloatField(dst, "p", rec.Price)
	dst = appendFloatField(dst, "h", rec.High)
	dst = appendFloatField(dst, "l", rec.Low)
	dst = appendFloatField(dst, "v", rec.Volume)
	dst = append(dst, '}')
	return dst
}

func appendFloatField(dst []byte, field string, v float64) []byte {
	dst = append(dst, `,"`...)
	dst = append(dst, field...)
	dst = append(dst, `":"`...)
	dst = strconv.AppendFloat(dst, v, 'f', -1, 64)
	return append(dst, '"')
}
