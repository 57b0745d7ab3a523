// Command switchyard runs the task orchestration engine and its admin tooling.
package main

func main() {
	Execute()
}
