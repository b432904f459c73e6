//go:build unix && !linux && !tinygo

package platform

const mapNoReserve = 0
