// Package main is the entry point for trialgate.
package main

func main() {
	Execute()
}
