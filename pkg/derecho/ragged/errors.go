package ragged

import "errors"

var errStoppedWaiting = errors.New("derecho: ragged-edge cleanup abandoned before a trim was decided")
