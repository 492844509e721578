// Package document provides the BSON row codec callers use to put
// structured values through an engine.Txn, which otherwise only ever sees
// opaque bytes. Marshal a bson.D before Txn.Put, unmarshal what Txn.Get
// returns.
package document

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/omendb/omen-sub002/pkg/keys"
)

// Marshal encodes doc as the row bytes stored under a key.
func Marshal(doc bson.D) ([]byte, error) {
	return bson.Marshal(doc)
}

// Unmarshal decodes row bytes returned by Txn.Get back into a document.
func Unmarshal(data []byte) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document: unmarshal: %w", err)
	}
	return doc, nil
}

// FromJSON converts a JSON object into the bson.D Marshal expects.
func FromJSON(jsonStr string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, fmt.Errorf("document: from json: %w", err)
	}
	return doc, nil
}

// ToJSON renders row bytes as a JSON string, for tooling and logging.
func ToJSON(data []byte) (string, error) {
	doc, err := Unmarshal(data)
	if err != nil {
		return "", err
	}
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Field looks up key in doc and reports whether it was present.
func Field(doc bson.D, key string) (any, bool) {
	for _, v := range doc {
		if v.Key == key {
			return v.Value, true
		}
	}
	return nil, false
}

// IndexKeyFor extracts the field the engine indexes on, coercing it to
// keys.Key. The engine only indexes int64 keys, so any other BSON type
// for this field is an error rather than a silent best-effort cast.
func IndexKeyFor(doc bson.D, field string) (keys.Key, error) {
	v, ok := Field(doc, field)
	if !ok {
		return 0, fmt.Errorf("document: key field %q not present", field)
	}
	switch val := v.(type) {
	case int:
		return keys.Key(val), nil
	case int32:
		return keys.Key(val), nil
	case int64:
		return keys.Key(val), nil
	case bson.DateTime:
		return keys.Key(val), nil
	case time.Time:
		return keys.Key(val.UnixMilli()), nil
	default:
		return 0, fmt.Errorf("document: key field %q has non-integer type %T", field, v)
	}
}
