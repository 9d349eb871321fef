package handle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlePack(t *testing.T) {
	for _, h := range []Handle{
		Nil,
		{Owner: OwnerEncoder, Generation: 1, Slot: 0},
		{Owner: OwnerDecoder, Generation: 0xffff, Slot: 0xffffffff},
	} {
		require.Equal(t, h, Unpack(h.Pack()))
	}
}

func TestTableStaleness(t *testing.T) {
	table := NewTable[string](OwnerEncoder)

	h0 := table.Insert("a")
	require.False(t, h0.IsNil())
	v, err := table.Get(h0)
	require.NoError(t, err)
	require.Equal(t, "a", v)

	_, err = table.Remove(h0)
	require.NoError(t, err)
	_, err = table.Get(h0)
	require.Error(t, err)
	_, err = table.Remove(h0)
	require.Error(t, err)

	h1 := table.Insert("b")
	require.Equal(t, h0.Slot, h1.Slot)
	require.NotEqual(t, h0.Generation, h1.Generation)
	_, err = table.Get(h0)
	require.Error(t, err)
	v, err = table.Get(h1)
	require.NoError(t, err)
	require.Equal(t, "b", v)
	require.Equal(t, 1, table.Len())
}

func TestTableForeignOwner(t *testing.T) {
	encoders := NewTable[int](OwnerEncoder)
	decoders := NewTable[int](OwnerDecoder)

	h := encoders.Insert(1)
	_ = decoders.Insert(2)

	_, err := decoders.Get(h)
	require.Error(t, err)
	_, err = decoders.Get(Nil)
	require.Error(t, err)
}

func TestTableRange(t *testing.T) {
	table := NewTable[int](OwnerDevice)
	var handles []Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, table.Insert(i))
	}
	_, err := table.Remove(handles[2])
	require.NoError(t, err)

	sum := 0
	table.Range(func(_ Handle, v int) bool {
		sum += v
		return true
	})
	require.Equal(t, 0+1+3+4, sum)
}
