// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package common holds the bounded-cache primitive that Security's SeenSet
// and GossipSync's seen-packet cache are built on.
package common

import (
	"errors"

	lru "github.com/hashicorp/golang-lru"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
)

var logger = meshlog.NewModuleLogger(meshlog.Common)

// CacheKey is any comparable key a Cache can be indexed by. Mesh-scale
// caches (peers, fragments, seen-packet ids) never grow past a few hundred
// entries, so unlike the teacher's original cache.go there is no sharded
// variant here: a single LRU segment is never a contention point at this
// size.
type CacheKey interface {
	CacheKey() interface{}
}

// StringKey adapts a plain string into a CacheKey.
type StringKey string

// CacheKey implements CacheKey.
func (s StringKey) CacheKey() interface{} { return string(s) }

type Cache interface {
	Add(key CacheKey, value interface{}) (evicted bool)
	Get(key CacheKey) (value interface{}, ok bool)
	Contains(key CacheKey) bool
	Remove(key CacheKey)
	Keys() []interface{}
	Len() int
	Purge()
}

type lruCache struct {
	lru *lru.Cache
}

func (c *lruCache) Add(key CacheKey, value interface{}) (evicted bool) {
	return c.lru.Add(key.CacheKey(), value)
}

func (c *lruCache) Get(key CacheKey) (value interface{}, ok bool) {
	return c.lru.Get(key.CacheKey())
}

func (c *lruCache) Contains(key CacheKey) bool {
	return c.lru.Contains(key.CacheKey())
}

func (c *lruCache) Remove(key CacheKey) {
	c.lru.Remove(key.CacheKey())
}

func (c *lruCache) Keys() []interface{} {
	return c.lru.Keys()
}

func (c *lruCache) Len() int {
	return c.lru.Len()
}

func (c *lruCache) Purge() {
	c.lru.Purge()
}

// CacheConfiger is implemented by every cache configuration; NewCache
// dispatches to it the way the teacher's NewCache dispatches to
// CacheConfiger.newCache.
type CacheConfiger interface {
	newCache() (Cache, error)
}

func NewCache(config CacheConfiger) (Cache, error) {
	if config == nil {
		return nil, errors.New("cache config is nil")
	}
	return config.newCache()
}

// LRUConfig sizes a plain bounded LRU cache.
type LRUConfig struct {
	CacheSize int
}

func (c LRUConfig) newCache() (Cache, error) {
	if c.CacheSize <= 0 {
		logger.Error("non-positive cache size", "size", c.CacheSize)
		return nil, errors.New("cache size must be positive")
	}
	l, err := lru.New(c.CacheSize)
	if err != nil {
		return nil, err
	}
	return &lruCache{l}, nil
}
