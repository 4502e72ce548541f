// Command relay runs the chat-driven agent relay: a Dispatcher Shell over
// Discord/Telegram that serializes each conversation through the
// Conversation Queue, invokes an external agent CLI, and supervises the
// Task Runner, Job Manager, Plan Subsystem, and Research Manager on its
// behalf.
package main

func main() {
	Execute()
}
