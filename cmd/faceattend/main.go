// Command faceattend runs the face-recognition attendance service and its
// enrollment tooling.
package main

func main() {
	Execute()
}
