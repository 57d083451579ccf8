// Package validate turns raw server payloads into model values.
//
// Every payload is first checked against an embedded JSON schema, then
// decoded with structured timestamps, then checked for values that are
// well-formed but impossible (negative counters, runaway nesting). Schema
// failures are validation errors; impossible values are data corruption.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://livesync.zeusync.dev/schemas/"

// MaxPayloadDepth bounds the nesting of opaque change payloads. JSON cannot
// express a cycle, so a payload nested deeper than this is treated as the
// serialization of a circular structure.
const MaxPayloadDepth = 64

type Validator struct {
	envelope *jsonschema.Schema
	payloads map[model.PushMessageType]*jsonschema.Schema
	poll     *jsonschema.Schema
	submit   *jsonschema.Schema

	location *time.Location
	now      func() time.Time
}

type Option func(*Validator)

// WithLocation sets the zone used for display fields. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(v *Validator) {
		if loc != nil {
			v.location = loc
		}
	}
}

// WithClock replaces the clock used to compute relative age labels.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// New compiles the embedded schemas.
func New(opts ...Option) (*Validator, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e.Name(), err)
		}
		if err = c.AddResource(schemaBase+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}

	compile := func(name string) (*jsonschema.Schema, error) {
		sch, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return sch, nil
	}

	v := &Validator{
		payloads: make(map[model.PushMessageType]*jsonschema.Schema, 4),
		location: time.UTC,
		now:      time.Now,
	}
	if v.envelope, err = compile("envelope.json"); err != nil {
		return nil, err
	}
	for _, t := range []model.PushMessageType{
		model.PushNotificationCreated,
		model.PushNotificationRead,
		model.PushNotificationArchived,
		model.PushBulkRead,
	} {
		sch, err := compile(string(t) + ".json")
		if err != nil {
			return nil, err
		}
		v.payloads[t] = sch
	}
	if v.poll, err = compile("poll_response.json"); err != nil {
		return nil, err
	}
	if v.submit, err = compile("submit_response.json"); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// MustNew is New for the composition root, where the embedded schemas are
// known to compile.
func MustNew(opts ...Option) *Validator {
	v, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return v
}

// check validates raw against sch and returns the generic JSON instance.
func check(op string, sch *jsonschema.Schema, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errs.Validation(op, fmt.Errorf("empty payload"))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Validation(op, err)
	}
	if err = sch.Validate(inst); err != nil {
		return nil, errs.Validation(op, err)
	}
	return inst, nil
}

func decode(op string, raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Validation(op, err)
	}
	return nil
}

// ParsePush validates a push envelope and its type-specific payload.
func (v *Validator) ParsePush(raw []byte) (model.PushMessage, error) {
	const op = "push.validate"

	if _, err := check(op, v.envelope, raw); err != nil {
		return model.PushMessage{}, err
	}
	var env envelopeDTO
	if err := decode(op, raw, &env); err != nil {
		return model.PushMessage{}, err
	}

	msg := model.PushMessage{
		Type:           env.Type,
		Timestamp:      env.Timestamp.Time,
		SequenceNumber: env.SequenceNumber,
	}

	sch, ok := v.payloads[env.Type]
	if !ok {
		return model.PushMessage{}, errs.Validation(op, fmt.Errorf("unknown message type %q", env.Type))
	}
	if _, err := check(op, sch, env.Payload); err != nil {
		return model.PushMessage{}, err
	}

	switch env.Type {
	case model.PushNotificationCreated:
		var dto notificationDTO
		if err := decode(op, env.Payload, &dto); err != nil {
			return model.PushMessage{}, err
		}
		n := dto.toModel()
		msg.Created = &n
	case model.PushNotificationRead:
		var dto readDTO
		if err := decode(op, env.Payload, &dto); err != nil {
			return model.PushMessage{}, err
		}
		msg.Read = &model.ReadReceipt{NotificationID: dto.NotificationID, ReadAt: dto.ReadAt.Time}
	case model.PushNotificationArchived:
		var dto archivedDTO
		if err := decode(op, env.Payload, &dto); err != nil {
			return model.PushMessage{}, err
		}
		msg.Archived = &model.ArchiveReceipt{
			NotificationID: dto.NotificationID,
			ArchivedAt:     dto.ArchivedAt.Time,
			WasUnread:      dto.WasUnread,
		}
	case model.PushBulkRead:
		var dto bulkReadDTO
		if err := decode(op, env.Payload, &dto); err != nil {
			return model.PushMessage{}, err
		}
		msg.BulkRead = &model.BulkReadReceipt{NotificationIDs: dto.NotificationIDs, ReadAt: dto.ReadAt.Time}
	}
	return msg, nil
}

// ParsePoll validates and decodes a poll response body.
func (v *Validator) ParsePoll(raw []byte) (model.PollResult, error) {
	const op = "poll.validate"

	if _, err := check(op, v.poll, raw); err != nil {
		return model.PollResult{}, err
	}
	var dto pollDTO
	if err := decode(op, raw, &dto); err != nil {
		return model.PollResult{}, err
	}
	res := dto.toModel()
	if err := CheckPoll(res); err != nil {
		return model.PollResult{}, err
	}
	return res, nil
}

// ParseSubmit validates and decodes a submit response body.
func (v *Validator) ParseSubmit(raw []byte) (model.SubmitResult, error) {
	const op = "submit.validate"

	if _, err := check(op, v.submit, raw); err != nil {
		return model.SubmitResult{}, err
	}
	var dto submitDTO
	if err := decode(op, raw, &dto); err != nil {
		return model.SubmitResult{}, err
	}
	res := dto.toModel()
	if err := CheckSubmit(res); err != nil {
		return model.SubmitResult{}, err
	}
	return res, nil
}

// CheckPoll reports data corruption in an already decoded poll result. It is
// applied to every result regardless of the transport that produced it.
func CheckPoll(res model.PollResult) error {
	const op = "poll.check"
	if res.ServerVersion < 0 {
		return errs.Corruption(op, "negative server version %d", res.ServerVersion)
	}
	for _, c := range res.Changes {
		if err := checkChange(op, c); err != nil {
			return err
		}
	}
	return nil
}

// CheckSubmit reports data corruption in an already decoded submit result.
func CheckSubmit(res model.SubmitResult) error {
	const op = "submit.check"
	if res.Version < 0 {
		return errs.Corruption(op, "negative version %d for change %s", res.Version, res.ChangeID)
	}
	for _, c := range res.Conflicts {
		if c.LocalChange.ResourceID != c.ResourceID || c.RemoteChange.ResourceID != c.ResourceID {
			return errs.Corruption(op, "conflict %s pairs changes of different resources", c.ID)
		}
		if err := checkChange(op, c.RemoteChange); err != nil {
			return err
		}
	}
	return nil
}

func checkChange(op string, c model.Change) error {
	if c.Version < 0 {
		return errs.Corruption(op, "negative version %d on change %s", c.Version, c.ID)
	}
	if depth := payloadDepth(c.Payload); depth > MaxPayloadDepth {
		return errs.Corruption(op, "payload of change %s nests %d levels", c.ID, depth)
	}
	return nil
}

// payloadDepth returns the maximum nesting depth of a JSON document without
// decoding it.
func payloadDepth(raw json.RawMessage) int {
	depth, peak := 0, 0
	inString, escaped := false, false
	for _, b := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > peak {
				peak = depth
			}
		case '}', ']':
			depth--
		}
	}
	return peak
}
