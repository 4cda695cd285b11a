package wire

import "testing"

// FuzzDecoder feeds arbitrary bytes to the decoder.
// It must report errors, never panic.
func FuzzDecoder(f *testing.F) {
	f.Add(AppendOp(nil, Op{State: StateAdd, Value: String("hello")}))
	f.Add(AppendOp(nil, Op{State: StateChange, Count: 3, Positions: []int{0, -1, 1}}))
	f.Add([]byte{})
	f.Add([]byte{0x02, 0x08})
	f.Add([]byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(_ *testing.T, data []byte) {
		d := NewDecoder(data)
		for {
			if _, err := d.Next(); err != nil {
				return
			}
		}
	})
}
