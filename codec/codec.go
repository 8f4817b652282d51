// Package codec implements the object codec layer: a self-describing
// binary object format (CBOR) extended with two custom tags for proxying
// objects that can't be serialised directly.
//
// The tag registration mirrors server/cborplugin's TagSet-based service
// protocol: a package-level cbor.TagSet binds concrete Go types to fixed
// tag numbers once at init time, and every Encode/Decode call runs through
// the resulting cbor.Mode.
package codec

import (
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	tagProxy  = 4 // named proxy
	tagObject = 5 // constructed object
)

var (
	modeOnce sync.Once
	encMode  cbor.EncMode
	decMode  cbor.DecMode
)

func buildModes() {
	ts := cbor.NewTagSet()
	must(ts.Add(cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(ProxyRef{}), tagProxy))
	must(ts.Add(cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(ObjectRef{}), tagObject))

	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncModeWithTags(ts)
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecModeWithTags(ts)
	if err != nil {
		panic(err)
	}
	encMode = em
	decMode = dm
}

// cborMode lazily builds and returns the shared codec. It is used instead
// of the package-level cbor.Marshal/Unmarshal everywhere in this package so
// tags 4/5 are always honoured.
func cborMode() codecMode {
	modeOnce.Do(buildModes)
	return codecMode{}
}

// codecMode is a tiny façade over the separately-typed EncMode/DecMode so
// call sites can write cborMode().Marshal/Unmarshal like the stdlib.
type codecMode struct{}

func (codecMode) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }
func (codecMode) Unmarshal(b []byte, v any) error { return decMode.Unmarshal(b, v) }

// Encode serialises a Message using the codec's registered tags.
func Encode(m Message) ([]byte, error) {
	return cborMode().Marshal(m)
}

// Decode parses a Message without a proxy table: tag-4/5 values within its
// payload come out as ProxyRef/ObjectRef and are not resolved. Callers that
// carry proxies pass the D/E fields to Table.Decode afterwards.
func Decode(b []byte) (Message, error) {
	var m Message
	err := cborMode().Unmarshal(b, &m)
	return m, err
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
