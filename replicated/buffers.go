// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/collectives/types/shapes"
)

// Buffer holds one replica-local value: a shape and its flat data.
//
// The flat data is always a slice of the Go type matching shape.DType, with
// shape.Size() elements. Buffers come from a process-wide pool keyed by dtype and
// length; Finalize returns them to the pool, after which any reference is stale.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

var bufferPools sync.Map // bufferPoolKey -> *sync.Pool

func getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := bufferPools.Load(key)
	if !ok {
		poolInterface, _ = bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// NewBuffer returns a pooled buffer of the given shape. The flat data is
// uninitialized: it may hold values from a previous use.
func NewBuffer(shape shapes.Shape) *Buffer {
	pool := getBufferPool(shape.DType, shape.Size())
	buf := pool.Get().(*Buffer)
	buf.shape = shape.Clone()
	buf.valid = true
	return buf
}

// NewBufferZero returns a pooled buffer of the given shape with all elements set to
// the dtype's zero value.
func NewBufferZero(shape shapes.Shape) *Buffer {
	buf := NewBuffer(shape)
	flatV := reflect.ValueOf(buf.flat)
	zero := reflect.Zero(flatV.Type().Elem())
	for i := 0; i < flatV.Len(); i++ {
		flatV.Index(i).Set(zero)
	}
	return buf
}

// NewBufferFromFlat returns a pooled buffer with a copy of the flat values. flat must
// be a slice of a Go type with a corresponding dtype and exactly the number of
// elements given by the dimensions.
func NewBufferFromFlat(flat any, dimensions ...int) (*Buffer, error) {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return nil, errors.Errorf("NewBufferFromFlat: flat data should be a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("NewBufferFromFlat: flat is a slice of %s, not a valid data type", flatType.Elem())
	}
	shape := shapes.Make(dtype, dimensions...)
	if got := reflect.ValueOf(flat).Len(); got != shape.Size() {
		return nil, errors.Errorf("NewBufferFromFlat: flat has %d elements, shape %s requires %d",
			got, shape, shape.Size())
	}
	buf := NewBuffer(shape)
	copyFlat(buf.flat, flat)
	return buf, nil
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat data, a slice of the Go type matching the
// buffer's dtype. Callers must not mutate it while the buffer is shared.
func (b *Buffer) Flat() any { return b.flat }

// Ok returns whether the buffer is live (allocated and not finalized).
func (b *Buffer) Ok() bool { return b != nil && b.valid && b.shape.Ok() }

// Clone returns a pooled copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	newBuffer := NewBuffer(b.shape)
	copyFlat(newBuffer.flat, b.flat)
	return newBuffer
}

// Finalize returns the buffer to the pool. Any reference to it should be dropped;
// finalizing a nil or already-finalized buffer is a no-op.
func (b *Buffer) Finalize() {
	if b == nil || !b.valid || !b.shape.Ok() {
		return
	}
	b.valid = false
	pool := getBufferPool(b.shape.DType, b.shape.Size())
	pool.Put(b)
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// copyFlatRange copies n elements from flatSrc[srcOff:] into flatDst[dstOff:],
// assuming both are slices of the same underlying type.
func copyFlatRange(flatDst any, dstOff int, flatSrc any, srcOff, n int) {
	dst := reflect.ValueOf(flatDst).Slice(dstOff, dstOff+n)
	src := reflect.ValueOf(flatSrc).Slice(srcOff, srcOff+n)
	reflect.Copy(dst, src)
}
