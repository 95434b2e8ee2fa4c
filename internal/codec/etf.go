// ABOUTME: External term format (ETF) encoding of gateway payloads on top of erlang_go.
// ABOUTME: Maps ETF terms to JSON-shaped values so payload d stays raw JSON.

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"

	"github.com/okeuday/erlang_go/v2/erlang"

	"github.com/2389/shardgate/internal/protocol"
)

const etfVersion = 131

// ETF encodes payloads as binary external term format frames.
//
// Outbound maps use atom keys and binary strings. Inbound integers too wide
// for 32 bits arrive as big terms and are rendered as exact JSON numbers;
// protocol.Snowflake accepts them where the JSON encoding sends strings.
type ETF struct{}

func (ETF) Encoding() Encoding { return EncodingETF }

func (ETF) Binary() bool { return true }

func (ETF) Pack(p protocol.Payload) ([]byte, error) {
	d, err := jsonToValue(p.D)
	if err != nil {
		return nil, fmt.Errorf("packing etf payload: %w", err)
	}
	dTerm, err := valueToTerm(d)
	if err != nil {
		return nil, fmt.Errorf("packing etf payload: %w", err)
	}

	term := erlang.OtpErlangMap{
		erlang.OtpErlangAtom("op"): int32(p.Op),
		erlang.OtpErlangAtom("d"):  dTerm,
	}
	if p.S != nil {
		term[erlang.OtpErlangAtom("s")] = intTerm(*p.S)
	}
	if p.T != "" {
		term[erlang.OtpErlangAtom("t")] = erlang.OtpErlangAtom(p.T)
	}

	data, err := erlang.TermToBinary(term, 0)
	if err != nil {
		return nil, fmt.Errorf("packing etf payload: %w", err)
	}
	return data, nil
}

func (ETF) Unpack(data []byte) (protocol.Payload, error) {
	p := protocol.Payload{Op: protocol.OpNone}
	if len(data) == 0 {
		return p, nil
	}
	if data[0] != etfVersion {
		return protocol.Payload{}, fmt.Errorf("unpacking etf payload: unexpected version byte %d", data[0])
	}

	raw, err := erlang.BinaryToTerm(data)
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("unpacking etf payload: %w", err)
	}
	value, err := termToValue(raw)
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("unpacking etf payload: %w", err)
	}
	term, ok := value.(map[string]any)
	if !ok {
		return protocol.Payload{}, fmt.Errorf("unpacking etf payload: expected map, got %T", value)
	}

	if op, ok := term["op"]; ok {
		n, ok := numberValue(op)
		if !ok {
			return protocol.Payload{}, fmt.Errorf("unpacking etf payload: op is %T", op)
		}
		p.Op = protocol.Opcode(n)
	}
	if s, ok := numberValue(term["s"]); ok {
		p.S = &s
	}
	if t, ok := term["t"].(string); ok {
		p.T = t
	}
	if d, ok := term["d"]; ok {
		p.D, err = json.Marshal(d)
		if err != nil {
			return protocol.Payload{}, fmt.Errorf("unpacking etf payload: converting d: %w", err)
		}
	}
	return p, nil
}

// jsonToValue decodes raw JSON into generic values, keeping numbers exact.
func jsonToValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func valueToTerm(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return erlang.OtpErlangAtom("nil"), nil
	case bool:
		return erlang.OtpErlangAtom(strconv.FormatBool(v)), nil
	case string:
		return erlang.OtpErlangBinary{Value: []byte(v), Bits: 8}, nil
	case json.Number:
		return numberTerm(v)
	case []any:
		items := make([]any, 0, len(v))
		for _, item := range v {
			t, err := valueToTerm(item)
			if err != nil {
				return nil, err
			}
			items = append(items, t)
		}
		return erlang.OtpErlangList{Value: items}, nil
	case map[string]any:
		m := make(erlang.OtpErlangMap, len(v))
		for k, item := range v {
			t, err := valueToTerm(item)
			if err != nil {
				return nil, err
			}
			m[erlang.OtpErlangAtom(k)] = t
		}
		return m, nil
	default:
		return nil, fmt.Errorf("etf: cannot encode %T", v)
	}
}

func numberTerm(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return intTerm(i), nil
	}
	if b, ok := new(big.Int).SetString(n.String(), 10); ok {
		return b, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("etf: invalid number %q: %w", n, err)
	}
	return f, nil
}

// intTerm picks the narrowest integer term: 32-bit values fit INTEGER_EXT,
// wider ones need a big term.
func intTerm(i int64) any {
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return int32(i)
	}
	return big.NewInt(i)
}

func termToValue(t any) (any, error) {
	switch v := t.(type) {
	case nil:
		return nil, nil
	case string:
		// STRING_EXT, a list of bytes.
		return v, nil
	case float64:
		return v, nil
	case *big.Int:
		return json.Number(v.String()), nil
	case erlang.OtpErlangBinary:
		return string(v.Value), nil
	case *erlang.OtpErlangBinary:
		return string(v.Value), nil
	case erlang.OtpErlangList:
		return listToValue(v)
	case *erlang.OtpErlangList:
		return listToValue(*v)
	case erlang.OtpErlangTuple:
		return itemsToValue(v)
	case erlang.OtpErlangMap:
		return mapToValue(v)
	}

	// Atoms, booleans and fixed-width integers.
	rv := reflect.ValueOf(t)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return atomValue(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	default:
		return nil, fmt.Errorf("etf: unsupported term %T", t)
	}
}

func atomValue(name string) any {
	switch name {
	case "nil", "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	default:
		return name
	}
}

// listToValue renders a list. An improper list keeps its tail as the final
// element.
func listToValue(l erlang.OtpErlangList) (any, error) {
	return itemsToValue(l.Value)
}

func itemsToValue(items []any) (any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, err := termToValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func mapToValue(m erlang.OtpErlangMap) (any, error) {
	out := make(map[string]any, len(m))
	for k, item := range m {
		key, err := mapKey(k)
		if err != nil {
			return nil, err
		}
		v, err := termToValue(item)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// mapKey renders a map key as a JSON object key. Atom keys keep their name,
// so a key named nil stays "nil".
func mapKey(k any) (string, error) {
	switch k := k.(type) {
	case string:
		return k, nil
	case erlang.OtpErlangBinary:
		return string(k.Value), nil
	case *erlang.OtpErlangBinary:
		return string(k.Value), nil
	case *big.Int:
		return k.String(), nil
	}

	rv := reflect.ValueOf(k)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	default:
		return "", fmt.Errorf("etf: unsupported map key %T", k)
	}
}

// numberValue extracts an int64 from a decoded integer.
func numberValue(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}
