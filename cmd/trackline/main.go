// Command trackline resolves, caches and serves music tracks.
package main

func main() {
	Execute()
}
