// Command defragctl runs and inspects the slab defragmenter against a
// simulated arena.
package main

func main() {
	execute()
}
