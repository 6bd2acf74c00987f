// watchd is a key-value server whose clients long-poll for changes of
// single keys or key prefixes.
package main

func main() {
	Execute()
}
