package ledger

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// EncodeCanonical serializes v into a deterministic byte sequence: identical
// semantic content always yields identical bytes, regardless of map insertion
// order. The encoding is self-delimiting and type-tagged:
//
//	null        z
//	bool        t | f
//	number      n:<shortest float repr>;
//	string      s:<byte length>:<bytes>
//	array       a:<element count>[ elements ]
//	object      o:<member count>{ sorted key/value pairs }
//
// A present-but-empty object encodes as "o:0{}", which is distinct from an
// absent member (no key emitted at all). Redaction replaces leaf values while
// keeping keys present, so the two cases must never collide.
func EncodeCanonical(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteByte('z')
	case KindBool:
		if v.b {
			buf.WriteByte('t')
		} else {
			buf.WriteByte('f')
		}
	case KindNumber:
		buf.WriteString("n:")
		buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
		buf.WriteByte(';')
	case KindString:
		encodeString(buf, v.s)
	case KindArray:
		fmt.Fprintf(buf, "a:%d[", len(v.arr))
		for _, e := range v.arr {
			encodeValue(buf, e)
		}
		buf.WriteByte(']')
	case KindObject:
		fmt.Fprintf(buf, "o:%d{", len(v.obj))
		for _, k := range v.sortedKeys() {
			encodeString(buf, k)
			encodeValue(buf, v.obj[k])
		}
		buf.WriteByte('}')
	}
}

func encodeString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "s:%d:", len(s))
	buf.WriteString(s)
}

// encodeEvent produces the canonical bytes the content hash commits to:
// the event classification, actor, payload snapshot, and the store-assigned
// timestamp. Absent optional fields (actor, payload, either snapshot) are
// omitted entirely rather than encoded as empty.
func encodeEvent(ev Event, recordedAt time.Time) []byte {
	members := map[string]Value{
		"action":      String(ev.Action),
		"entity_type": String(ev.EntityType),
		"entity_id":   String(ev.EntityID),
		"recorded_at": String(recordedAt.UTC().Format(time.RFC3339Nano)),
	}
	if ev.ActorID != "" {
		members["actor_id"] = String(ev.ActorID)
	}
	if ev.Payload != nil {
		p := map[string]Value{}
		if ev.Payload.Old != nil {
			p["old_values"] = *ev.Payload.Old
		}
		if ev.Payload.New != nil {
			p["new_values"] = *ev.Payload.New
		}
		members["payload"] = Object(p)
	}
	return EncodeCanonical(Object(members))
}
