package messages

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeEnvelope maps a raw channel payload into an Envelope. The caller is
// expected to have passed v through IsEnvelope first.
func DecodeEnvelope(v any) (Envelope, error) {
	var env Envelope
	if !IsEnvelope(v) {
		return env, fmt.Errorf("DecodeEnvelope: not an envelope shape")
	}

	if err := mapstructure.Decode(v, &env); err != nil {
		return env, fmt.Errorf("DecodeEnvelope decode error: %w", err)
	}

	return env, nil
}

// DecodeCommand turns a structurally valid command payload into its tagged
// union variant. Known types are validated with their variant validator
// before decoding; a valid but unmodelled type decodes to Generic.
func DecodeCommand(m map[string]any) (Command, error) {
	if !IsCommandPayload(m) {
		return nil, fmt.Errorf("DecodeCommand: missing or empty command type")
	}

	t, _ := m["type"].(string)

	switch t {
	case TypePlay:
		if !IsValidPlayCommand(m) {
			return nil, fmt.Errorf("DecodeCommand: malformed play command")
		}
		var cmd Play
		if err := mapstructure.Decode(m, &cmd); err != nil {
			return nil, fmt.Errorf("DecodeCommand play decode error: %w", err)
		}
		return cmd, nil

	case TypeResume:
		return Resume{}, nil

	case TypeSeek:
		if !IsValidSeekCommand(m) {
			return nil, fmt.Errorf("DecodeCommand: malformed seek command")
		}
		var cmd Seek
		if err := decodeNumeric(m, &cmd); err != nil {
			return nil, fmt.Errorf("DecodeCommand seek decode error: %w", err)
		}
		return cmd, nil

	case TypeSkipForward:
		if !IsValidSkipCommand(m) {
			return nil, fmt.Errorf("DecodeCommand: malformed skip command")
		}
		var cmd SkipForward
		if err := decodeNumeric(m, &cmd); err != nil {
			return nil, fmt.Errorf("DecodeCommand skipForward decode error: %w", err)
		}
		return cmd, nil

	case TypeSkipBackward:
		if !IsValidSkipCommand(m) {
			return nil, fmt.Errorf("DecodeCommand: malformed skip command")
		}
		var cmd SkipBackward
		if err := decodeNumeric(m, &cmd); err != nil {
			return nil, fmt.Errorf("DecodeCommand skipBackward decode error: %w", err)
		}
		return cmd, nil

	case TypeSetSubtitles:
		if !IsValidSubtitleCommand(m) {
			return nil, fmt.Errorf("DecodeCommand: malformed setSubtitles command")
		}
		var cmd SetSubtitles
		if err := mapstructure.Decode(m, &cmd); err != nil {
			return nil, fmt.Errorf("DecodeCommand setSubtitles decode error: %w", err)
		}
		return cmd, nil
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		if k != "type" {
			fields[k] = v
		}
	}

	return Generic{Type: t, Fields: fields}, nil
}

// DecodeMetadata maps a raw metadata payload into a Metadata struct. The
// caller is expected to have passed v through IsMetadataPayload first.
func DecodeMetadata(v any) (Metadata, error) {
	var md Metadata
	if !IsMetadataPayload(v) {
		return md, fmt.Errorf("DecodeMetadata: not a metadata shape")
	}

	if err := decodeNumeric(v, &md); err != nil {
		return md, fmt.Errorf("DecodeMetadata decode error: %w", err)
	}

	return md, nil
}

// decodeNumeric decodes with weak number conversion so int-typed JSON
// numbers from in-process callers land in float64 fields.
func decodeNumeric(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
