package kv

// IsNoSpace exposes the capacity-error classifier to the package tests.
var IsNoSpace = isNoSpace
