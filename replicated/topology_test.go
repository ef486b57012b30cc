// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceAssignment(t *testing.T) {
	a, err := NewDeviceAssignment([][]int{{0, 1}, {2, 3}, {4, 5}})
	require.NoError(t, err)
	require.Equal(t, 3, a.NumReplicas())
	require.Equal(t, 2, a.NumPartitions())
	require.Equal(t, 0, a.Device(0, 0))
	require.Equal(t, 3, a.Device(1, 1))
	require.Equal(t, 4, a.Device(2, 0))
}

func TestDeviceAssignmentValidation(t *testing.T) {
	tests := []struct {
		name    string
		devices [][]int
	}{
		{"empty", nil},
		{"empty row", [][]int{{}}},
		{"ragged rows", [][]int{{0, 1}, {2}}},
		{"duplicate device", [][]int{{0, 1}, {1, 2}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewDeviceAssignment(test.devices)
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestDefaultDeviceAssignment(t *testing.T) {
	a := DefaultDeviceAssignment(4)
	require.Equal(t, 4, a.NumReplicas())
	require.Equal(t, 1, a.NumPartitions())
	for r := range 4 {
		require.Equal(t, r, a.Device(r, 0))
	}
}
