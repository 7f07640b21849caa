package proto

import "errors"

var errMalformedAttribute = errors.New("proto: malformed attribute value")
