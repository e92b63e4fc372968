package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var (
	// ErrUnknownType is returned by Decode for a command type with no registered decoder.
	ErrUnknownType = errors.New("unknown command type")
	// ErrStreamMismatch is returned when a command is submitted to a stream it does not belong to.
	ErrStreamMismatch = errors.New("command does not belong to stream")
)

type decoder func(fields map[string]any) (Command, error)

var decoders = map[Type]decoder{
	TypeRegisterRequested:  decodeAs[RegisterRequested],
	TypeUserUpdated:        decodeAs[UserUpdated],
	TypeEmailVerified:      decodeAs[EmailVerified],
	TypeCredentialReplaced: decodeAs[CredentialReplaced],
	TypeOTPIssued:          decodeAs[OTPIssued],
	TypeOTPAttempted:       decodeAs[OTPAttempted],
	TypeCreateSession:      decodeAs[CreateSession],
	TypeLogoutRequested:    decodeAs[LogoutRequested],
	TypeRefreshTokenUpsert: decodeAs[RefreshTokenUpsert],
	TypeRefreshTokenRevoke: decodeAs[RefreshTokenRevoke],
	TypeLoginFailed:        decodeAs[LoginFailed],
	TypeLoginFailuresReset: decodeAs[LoginFailuresReset],
}

// Types returns every registered command type.
func Types() []Type {
	out := make([]Type, 0, len(decoders))
	for t := range decoders {
		out = append(out, t)
	}
	return out
}

// Decode builds the typed command named typ from loosely typed fields, e.g. a gateway's parsed request.
// Field names are the command's JSON names. Unknown fields are rejected.
func Decode(typ Type, fields map[string]any) (Command, error) {
	dec, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	cmd, err := dec(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, typ, err)
	}
	return cmd, nil
}

func decodeAs[T Command](fields map[string]any) (Command, error) {
	var cmd T
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &cmd,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Decode(fields); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Envelope is the serialized form of an accepted command, as written to the journal.
type Envelope struct {
	Stream  Stream          `json:"stream"`
	Type    Type            `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap serializes cmd into an Envelope stamped with at.
func Wrap(cmd Command, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	return Envelope{
		Stream:  cmd.Stream(),
		Type:    cmd.Type(),
		Key:     cmd.RoutingKey(),
		At:      at,
		Payload: payload,
	}, nil
}

// Unwrap decodes the command carried by e.
func Unwrap(e Envelope) (Command, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalid, e.Type, err)
	}
	cmd, err := Decode(e.Type, fields)
	if err != nil {
		return nil, err
	}
	if cmd.Stream() != e.Stream {
		return nil, fmt.Errorf("%w: %s on %s", ErrStreamMismatch, e.Type, e.Stream)
	}
	return cmd, nil
}
