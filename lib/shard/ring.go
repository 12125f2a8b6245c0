// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"encoding/binary"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultVirtualNodes is the number of ring points per physical node.
const DefaultVirtualNodes = 150

// ringDomainKey separates ring hashes from any other BLAKE3 use, so a
// channel id and a virtual-node label that happen to share bytes with
// some other hashed value never collide across contexts.
var ringDomainKey = [32]byte{
	'd', 'i', 's', 'p', 'a', 't', 'c', 'h', '.', 's', 'h', 'a', 'r', 'd', '.',
	'r', 'i', 'n', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// hashKey maps a string onto the ring.
func hashKey(key string) uint64 {
	hasher, err := blake3.NewKeyed(ringDomainKey[:])
	if err != nil {
		panic("shard: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(key))
	return binary.BigEndian.Uint64(hasher.Sum(nil)[:8])
}

// point is one virtual node: a ring position and the index of its
// physical node in Ring.nodes.
type point struct {
	hash uint64
	node int32
}

// Ring is an immutable consistent-hash ring. Lookups binary-search a
// sorted arena of points and take no locks; a membership change builds
// a new Ring.
type Ring struct {
	nodes        []string
	points       []point
	virtualNodes int
}

// NewRing builds a ring over nodes with virtualNodes points each.
// Duplicate and empty node ids are dropped.
func NewRing(nodes []string, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	unique := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node != "" {
			unique = append(unique, node)
		}
	}
	slices.Sort(unique)
	unique = slices.Compact(unique)

	points := make([]point, 0, len(unique)*virtualNodes)
	for index, node := range unique {
		for replica := 0; replica < virtualNodes; replica++ {
			points = append(points, point{
				hash: hashKey(node + "#" + strconv.Itoa(replica)),
				node: int32(index),
			})
		}
	}
	// Ties on hash are broken by node id so every router builds the
	// identical ring from the same membership.
	slices.SortFunc(points, func(a, b point) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		}
		return strings.Compare(unique[a.node], unique[b.node])
	})
	return &Ring{nodes: unique, points: points, virtualNodes: virtualNodes}
}

// Owner returns the node owning key: the first point clockwise from
// the key's hash. ok is false on an empty ring.
func (r *Ring) Owner(key string) (node string, ok bool) {
	if len(r.points) == 0 {
		return "", false
	}
	target := hashKey(key)
	index := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= target
	})
	if index == len(r.points) {
		index = 0
	}
	return r.nodes[r.points[index].node], true
}

// Nodes returns the ring's physical nodes, sorted.
func (r *Ring) Nodes() []string {
	return slices.Clone(r.nodes)
}

// VirtualNodes returns the per-node point count.
func (r *Ring) VirtualNodes() int { return r.virtualNodes }

// Contains reports whether node is a member.
func (r *Ring) Contains(node string) bool {
	_, found := slices.BinarySearch(r.nodes, node)
	return found
}
