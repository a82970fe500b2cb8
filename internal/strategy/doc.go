// Package strategy holds what the capture strategies share: failure codes,
// classification of HTTP statuses and transport errors, and the URL guard
// every networked strategy passes before it touches the network.
//
// Concrete strategies live in subpackages and satisfy capture.Strategy.
package strategy
