package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")

// Identity resolution failures. All of them are fatal at startup.
var ErrNoAuraKey = errors.New("no aura key found in keystore")
var ErrAmbiguousAuraKeys = errors.New("multiple aura keys confirmed by node")
var ErrKeyNotOnNode = errors.New("node does not hold the detected aura key")
