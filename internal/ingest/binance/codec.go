package binance

import (
	"strings"

	"tickerflow/pkg/websocket"
)

const (
	DefaultStreamSuffix = "@ticker"
)

// StreamName maps a symbol to its Binance stream name, e.g. BTCUSDT -> btcusdt@ticker.
func StreamName(symbol, suffix string) string {
	if suffix == "" {
		suffix = DefaultStreamSuffix
	}
	return strings.ToLower(strings.TrimSpace(symbol)) + suffix
}

// StreamNames maps every non-empty symbol to its stream name.
func StreamNames(symbols []string, suffix string) []string {
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if strings.TrimSpace(symbol) == "" {
			continue
		}
		streams = append(streams, StreamName(symbol, suffix))
	}
	return streams
}

// Encoder builds Binance control frames.
type Encoder struct{}

// EncodeSubscribe builds a Binance subscribe payload for all streams at once.
func (Encoder) EncodeSubscribe(dst []byte, requestID uint64, streams []string) (websocket.MessageType, []byte, error) {
	dst = append(dst, `{"method":"SUBSCRIBE","params":[`...)
	for i, stream := range streams {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '"')
		dst = append(dst, stream...)
		dst = append(dst, '"')
	}
	dst = append(dst, `],"id":`...)
	dst = appendUint(dst, requestID)
	dst = append(dst, '}')
	return websocket.MessageText, dst, nil
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}

	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return append(dst, buf[i:]...)
}
