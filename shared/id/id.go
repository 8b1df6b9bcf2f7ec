// Package id provides ID generation helpers used across services.
//
// Identifiers from the identity provider arrive as 25-char CUIDs or 36-char
// UUIDs; locally minted identifiers are prefixed nanoids. All three shapes
// fit the VARCHAR(255) columns the schema mandates.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixConversation = "conv"
	PrefixMessage      = "msg"
	PrefixObject       = "obj"
	PrefixRequest      = "req"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewConversation() string { return New(PrefixConversation) }
func NewMessage() string      { return New(PrefixMessage) }
func NewObjectKey() string    { return New(PrefixObject) }
func NewRequest() string      { return New(PrefixRequest) }
