// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package linalloc

import (
	"fmt"
	"unsafe"

	"github.com/fmstephe/linalloc/internal/slab"
)

// ErrWrongType is returned by LinrefUp when addr's slab is untyped, or is
// typed for something other than t.
var ErrWrongType = fmt.Errorf("linalloc: wrong type")

// ErrOutOfRange is returned by LinrefUp when addr does not fall inside any
// slab this Arena has ever minted.
var ErrOutOfRange = fmt.Errorf("linalloc: address out of range")

// Account is the per-caller ref/byte ledger used by the debug balance
// scopes below. Go has no safe goroutine-local storage, so an Account is an
// explicit value: callers that want the debug balance assertions thread one
// Account per goroutine through their calls, the same way a C thread would
// reach its TLS slot implicitly.
type Account struct {
	linrefs int64
	bytes   int64
}

// NewAccount returns a fresh, zeroed Account.
func NewAccount() *Account {
	return &Account{}
}

// LinrefUp raises a type-stable reference on addr, succeeding only if addr
// falls within a slab currently typed as t with at least one outstanding
// reference already held. On success acc's linref count is incremented;
// acc may be nil to skip accounting entirely.
//
// If t.HasSpecialRef is set, it is consulted first: a true result lets the
// type short-circuit the slab protocol entirely for this address (it
// already has its own interior-reference invariants), and is still
// reflected in acc so account-balance scopes see it.
func (a *Arena) LinrefUp(addr unsafe.Pointer, t *Type, acc *Account) error {
	if t.desc.HasSpecialRef != nil && t.desc.HasSpecialRef(addr, true) {
		acc.incLinref()
		return nil
	}

	u := uintptr(addr)
	if !a.source.Contains(u) {
		return ErrOutOfRange
	}
	if !slab.LinrefUp(u, a.cfg.SlabSize, t.desc) {
		return ErrWrongType
	}
	acc.incLinref()
	return nil
}

// LinrefDown releases one type-stable reference previously raised by
// LinrefUp on the same address and type. acc's linref count is decremented
// to match; acc may be nil to skip accounting.
//
// As with LinrefUp, t.HasSpecialRef is consulted first and, if it reports
// true, the normal slab protocol is never touched.
func (a *Arena) LinrefDown(addr unsafe.Pointer, t *Type, acc *Account) {
	if t.desc.HasSpecialRef != nil && t.desc.HasSpecialRef(addr, false) {
		acc.decLinref()
		return
	}

	slab.LinrefDown(uintptr(addr), a.cfg.SlabSize, a.freeSlabs)
	acc.decLinref()
}

func (acc *Account) incLinref() {
	if acc != nil {
		acc.linrefs++
	}
}

func (acc *Account) decLinref() {
	if acc != nil {
		acc.linrefs--
	}
}

// AccountScope is a handle returned by LinrefAccountOpen; Close asserts the
// account's linref count has returned to its value at Open.
type AccountScope struct {
	acc      *Account
	baseline int64
}

// LinrefAccountOpen records acc's current linref count as a baseline for a
// later Close, the account-balance debug scope around a region of
// LinrefUp/LinrefDown calls.
func LinrefAccountOpen(acc *Account) *AccountScope {
	return &AccountScope{acc: acc, baseline: acc.linrefs}
}

// Close panics if the account's linref count has not returned to its value
// at the matching Open -- an unbalanced LinrefUp/LinrefDown within the
// scope.
func (s *AccountScope) Close() {
	if s.acc.linrefs != s.baseline {
		panic(fmt.Sprintf("linalloc: linref account unbalanced: opened at %d, closed at %d", s.baseline, s.acc.linrefs))
	}
}

// ByteAccountScope mirrors AccountScope for byte-count balance around
// Malloc/Free pairs rather than LinrefUp/LinrefDown pairs.
type ByteAccountScope struct {
	acc      *Account
	baseline int64
}

// ByteAccountOpen records acc's current byte count as a baseline for a
// later Close.
func ByteAccountOpen(acc *Account) *ByteAccountScope {
	return &ByteAccountScope{acc: acc, baseline: acc.bytes}
}

// Close panics if the account's byte count has not returned to its value
// at the matching Open.
func (s *ByteAccountScope) Close() {
	if s.acc.bytes != s.baseline {
		panic(fmt.Sprintf("linalloc: byte account unbalanced: opened at %d, closed at %d", s.baseline, s.acc.bytes))
	}
}
