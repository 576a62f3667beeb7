package fqueue

import (
	"encoding/json"
	"time"
)

// JSONCodec is the default Codec, used whenever Config.Codec is nil. It is
// the obvious choice for a zero-configuration default - every record type
// that round-trips through encoding/json works without the caller writing
// anything - but it is not the fastest or most compact option available;
// callers with binary record types should supply their own Codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// wireEnvelope is the on-disk shape of a spilled record: the user's payload,
// already encoded by Config.Codec, plus the retry bookkeeping fields that
// must survive a restart. Using encoding/json here (rather than the user's
// own Codec) keeps the envelope self-describing and independent of whatever
// format T happens to use.
type wireEnvelope struct {
	TryCount       uint32 `json:"tryCount"`
	FirstAttemptAt int64  `json:"firstAttemptAt,omitempty"` // UnixNano, 0 == zero time.Time
	Payload        []byte `json:"payload"`
}

func encodeEnvelope[T any](codec Codec[T], env Envelope[T]) ([]byte, error) {
	payload, err := codec.Encode(env.Value)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		TryCount: env.TryCount,
		Payload:  payload,
	}
	if !env.FirstAttemptAt.IsZero() {
		w.FirstAttemptAt = env.FirstAttemptAt.UnixNano()
	}
	return json.Marshal(w)
}

func decodeEnvelope[T any](codec Codec[T], b []byte) (Envelope[T], error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope[T]{}, err
	}
	value, err := codec.Decode(w.Payload)
	if err != nil {
		return Envelope[T]{}, err
	}
	env := Envelope[T]{Value: value, TryCount: w.TryCount}
	if w.FirstAttemptAt != 0 {
		env.FirstAttemptAt = time.Unix(0, w.FirstAttemptAt).UTC()
	}
	return env, nil
}
