// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"github.com/pkg/errors"

	"github.com/gomlx/collectives/hlo"
)

// DeviceAssignment maps the (replica, partition) grid to device ids.
//
// Each grid cell must hold a distinct device. A nil assignment in Run means the
// identity assignment over a single partition: replica r runs on device r.
type DeviceAssignment struct {
	numReplicas, numPartitions int

	// devices is indexed by replica*numPartitions+partition.
	devices []int
}

// NewDeviceAssignment builds and validates an assignment from the grid of device
// ids, devices[replica][partition]. Every row must have the same width and every
// device id must be distinct.
func NewDeviceAssignment(devices [][]int) (*DeviceAssignment, error) {
	if len(devices) == 0 || len(devices[0]) == 0 {
		return nil, errors.WithMessage(ErrConfig, "device assignment requires at least one replica and one partition")
	}
	numReplicas, numPartitions := len(devices), len(devices[0])
	a := &DeviceAssignment{
		numReplicas:   numReplicas,
		numPartitions: numPartitions,
		devices:       make([]int, 0, numReplicas*numPartitions),
	}
	seen := make(map[int]bool, numReplicas*numPartitions)
	for r, row := range devices {
		if len(row) != numPartitions {
			return nil, errors.WithMessagef(ErrConfig,
				"device assignment row for replica %d has %d partitions, replica 0 has %d",
				r, len(row), numPartitions)
		}
		for p, device := range row {
			if seen[device] {
				return nil, errors.WithMessagef(ErrConfig,
					"device %d assigned to more than one (replica, partition) cell, last at (%d, %d)",
					device, r, p)
			}
			seen[device] = true
			a.devices = append(a.devices, device)
		}
	}
	return a, nil
}

// DefaultDeviceAssignment returns the identity assignment: one partition, replica r
// on device r.
func DefaultDeviceAssignment(numReplicas int) *DeviceAssignment {
	a := &DeviceAssignment{
		numReplicas:   numReplicas,
		numPartitions: 1,
		devices:       make([]int, numReplicas),
	}
	for r := range a.devices {
		a.devices[r] = r
	}
	return a
}

// NumReplicas of the assignment grid.
func (a *DeviceAssignment) NumReplicas() int { return a.numReplicas }

// NumPartitions of the assignment grid.
func (a *DeviceAssignment) NumPartitions() int { return a.numPartitions }

// Device returns the device id of the (replica, partition) cell.
func (a *DeviceAssignment) Device(replica, partition int) int {
	return a.devices[replica*a.numPartitions+partition]
}

// resolveGroup returns the replica group the given replica belongs to for the node's
// replica groups, and the replica's rank within it (its position in the listed
// group). Empty groups mean all replicas form one group in ascending id order.
//
// found is false when the replica belongs to no group, which is only legal for
// CollectiveBroadcast (the replica then produces zeros locally, without joining any
// rendezvous).
func resolveGroup(node *hlo.Node, numReplicas, replica int) (group []int, rank int, found bool) {
	groups := node.ReplicaGroups()
	if len(groups) == 0 {
		group = make([]int, numReplicas)
		for i := range group {
			group[i] = i
		}
		return group, replica, true
	}
	for _, g := range groups {
		for i, member := range g {
			if member == replica {
				return g, i, true
			}
		}
	}
	return nil, 0, false
}
