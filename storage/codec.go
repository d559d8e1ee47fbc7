/*
codec.go - Wire format for persisted transactions

PURPOSE:
  Implements spec.md §6's pinned on-the-wire mutation envelope: each
  Mutation serializes to the JSON object
    { "<MutationName>": { "us": <i64>, "data"|"key": {...} }, "": "<TypeID>" }
  - i.e. the mutation's variant name ("AccountsUpdated") is itself the
  object's only non-"" key, and a sibling "" key carries the TypeID
  discriminator. MutationEnvelope.MarshalJSON/UnmarshalJSON produce and
  parse that exact shape; every other field on MutationEnvelope is an
  in-memory convenience, not part of the wire object. A Transaction
  serializes to its meta plus an ordered array of these envelopes. This
  is the one place that needs to know about every concrete Mutation
  implementation, so decoding back into typed Go values requires a
  caller-supplied registry of constructors keyed by MutationName -
  schemas build this registry once at startup (see demo/schema.go)
  since only the schema knows its own entry/key Go types.

SEE ALSO:
  - mutation.go: the Mutation interface and its concrete variants
  - persister/*: store the bytes this file produces
*/
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// mutationBody is the inner `{"us":…, "data"|"key":…}` object keyed by
// a mutation's name in the pinned wire shape.
type mutationBody struct {
	US   int64           `json:"us"`
	Data json.RawMessage `json:"data,omitempty"`
	Key  json.RawMessage `json:"key,omitempty"`
}

// MutationEnvelope is the in-memory shape of one persisted mutation.
// Its MarshalJSON/UnmarshalJSON implement spec.md §6's pinned wire
// object; Name is the mutation's variant name ("AccountsUpdated") and
// becomes the object's sole mutation-name key, TypeID becomes the
// sibling "" key.
type MutationEnvelope struct {
	Name   string
	TypeID string
	US     int64
	Data   json.RawMessage
	Key    json.RawMessage
}

func (m MutationEnvelope) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(mutationBody{US: m.US, Data: m.Data, Key: m.Key})
	if err != nil {
		return nil, fmt.Errorf("storage: marshal mutation body: %w", err)
	}
	name, err := json.Marshal(m.Name)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal mutation name: %w", err)
	}
	typeID, err := json.Marshal(m.TypeID)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal mutation type id: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(name)
	buf.WriteByte(':')
	buf.Write(body)
	buf.WriteString(`,"":`)
	buf.Write(typeID)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *MutationEnvelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("storage: unmarshal mutation envelope: %w", err)
	}
	typeIDRaw, ok := raw[""]
	if !ok {
		return fmt.Errorf("storage: mutation envelope missing the \"\" TypeID discriminator")
	}
	if err := json.Unmarshal(typeIDRaw, &m.TypeID); err != nil {
		return fmt.Errorf("storage: unmarshal mutation type id: %w", err)
	}
	delete(raw, "")
	if len(raw) != 1 {
		return fmt.Errorf("storage: mutation envelope must carry exactly one mutation-name key, got %d", len(raw))
	}
	for name, bodyRaw := range raw {
		var body mutationBody
		if err := json.Unmarshal(bodyRaw, &body); err != nil {
			return fmt.Errorf("storage: unmarshal mutation body %q: %w", name, err)
		}
		m.Name = name
		m.US = body.US
		m.Data = body.Data
		m.Key = body.Key
	}
	return nil
}

// TransactionEnvelope is the wire shape of one persisted Transaction.
type TransactionEnvelope struct {
	Meta      TransactionMeta    `json:"meta"`
	Mutations []MutationEnvelope `json:"mutations"`
}

// EncodeTransaction lowers a Transaction into its wire envelope.
func EncodeTransaction(tx Transaction) (TransactionEnvelope, error) {
	env := TransactionEnvelope{
		Meta:      tx.Meta,
		Mutations: make([]MutationEnvelope, 0, len(tx.Mutations)),
	}
	for _, m := range tx.Mutations {
		raw, err := json.Marshal(m.payload())
		if err != nil {
			return TransactionEnvelope{}, fmt.Errorf("storage: encode %s: %w", m.MutationName(), err)
		}
		me := MutationEnvelope{
			Name:   m.MutationName(),
			TypeID: m.TypeID().String(),
			US:     m.Timestamp(),
		}
		if m.Kind() == KindUpdated {
			me.Data = raw
		} else {
			me.Key = raw
		}
		env.Mutations = append(env.Mutations, me)
	}
	return env, nil
}

// MarshalTransaction is a convenience wrapper producing the line-delimited
// JSON bytes persister/file writes one per line.
func MarshalTransaction(tx Transaction) ([]byte, error) {
	env, err := EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// MutationDecoder reconstructs one concrete Mutation variant from its
// wire envelope. Schemas register one per declared container/kind pair
// (see demo/schema.go) since the envelope alone doesn't carry the Go
// key/value types.
type MutationDecoder func(env MutationEnvelope) (Mutation, error)

// MutationRegistry maps "<variant>" (e.g. "UsersUpdated") to the decoder
// able to reconstruct it.
type MutationRegistry map[string]MutationDecoder

// Register adds decoders for a container's Updated/Deleted variants.
func (r MutationRegistry) Register(containerName string, updated, deleted MutationDecoder) {
	r[mutationName(containerName, "Updated")] = updated
	r[mutationName(containerName, "Deleted")] = deleted
}

// DecodeTransaction rebuilds a Transaction from its wire envelope using
// the supplied registry. The first mutation whose variant has no
// registered decoder, or fails to decode, fails the whole call with an
// error naming that variant (spec.md §7 ReplayMismatch is raised by the
// caller, not here).
func DecodeTransaction(env TransactionEnvelope, reg MutationRegistry) (Transaction, error) {
	tx := Transaction{Meta: env.Meta, Mutations: make([]Mutation, 0, len(env.Mutations))}
	for _, me := range env.Mutations {
		decode, ok := reg[me.Name]
		if !ok {
			return Transaction{}, fmt.Errorf("storage: no decoder registered for mutation variant %q", me.Name)
		}
		mut, err := decode(me)
		if err != nil {
			return Transaction{}, fmt.Errorf("storage: decode %s: %w", me.Name, err)
		}
		tx.Mutations = append(tx.Mutations, mut)
	}
	return tx, nil
}

// UnmarshalTransaction parses one line-delimited JSON record back into a
// Transaction.
func UnmarshalTransaction(b []byte, reg MutationRegistry) (Transaction, error) {
	var env TransactionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Transaction{}, fmt.Errorf("storage: unmarshal transaction envelope: %w", err)
	}
	return DecodeTransaction(env, reg)
}

// DecodeDictUpdated builds a MutationDecoder for a Dictionary/Vector
// Updated variant of entry type V. K only identifies which Dictionary's/
// Vector's key space this decoder belongs to - the Updated payload
// itself carries no key (see DictUpdated), so V is unconstrained; a
// Vector's entry type need not implement Keyed at all.
func DecodeDictUpdated[K comparable, V any](containerName string) MutationDecoder {
	return func(env MutationEnvelope) (Mutation, error) {
		var data V
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		return DictUpdated[K, V]{Container: containerName, US: env.US, Data: data, typeID: TypeIDFor[V]()}, nil
	}
}

// DecodeDictDeleted builds a MutationDecoder for a Dictionary/Vector
// Deleted variant keyed by K.
func DecodeDictDeleted[K comparable](containerName string) MutationDecoder {
	return func(env MutationEnvelope) (Mutation, error) {
		var key K
		if err := json.Unmarshal(env.Key, &key); err != nil {
			return nil, err
		}
		return DictDeleted[K]{Container: containerName, US: env.US, Key: key, typeID: TypeIDFor[K]()}, nil
	}
}

// DecodeMatrixUpdated builds a MutationDecoder for a Matrix Updated
// variant of entry type V keyed by (R, C).
func DecodeMatrixUpdated[R comparable, C comparable, V RowColKeyed[R, C]](containerName string) MutationDecoder {
	return func(env MutationEnvelope) (Mutation, error) {
		var data V
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		return MatrixUpdated[R, C, V]{Container: containerName, US: env.US, Data: data, typeID: TypeIDFor[V]()}, nil
	}
}

// DecodeMatrixDeleted builds a MutationDecoder for a Matrix Deleted variant.
func DecodeMatrixDeleted[R comparable, C comparable](containerName string) MutationDecoder {
	return func(env MutationEnvelope) (Mutation, error) {
		var cell MatrixCellKey[R, C]
		if err := json.Unmarshal(env.Key, &cell); err != nil {
			return nil, err
		}
		return MatrixDeleted[R, C]{Container: containerName, US: env.US, Cell: cell, typeID: TypeIDFor[MatrixCellKey[R, C]]()}, nil
	}
}
