package dtacq

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest acquisition state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// clientMessageChan queues messages for the publisher. Updates are dropped, never
// blocked on, when nobody drains it.
var clientMessageChan = make(chan ClientUpdate, 128)

// publishUpdate queues one status message. Tag "SENDALL" asks the publisher to repeat
// the latest message of every tag.
func publishUpdate(tag string, state any) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know. It returns when abort is closed.
func RunClientUpdater(statusport int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status port: %w", err)
	}

	lastMessages := make(map[string][]byte)
	for {
		select {
		case <-abort:
			return nil
		case update := <-clientMessageChan:
			if update.tag == "SENDALL" {
				for tag, message := range lastMessages {
					if _, err := pubSocket.SendMessage(tag, message); err != nil {
						ProblemLogger.Printf("Could not publish %s: %v", tag, err)
					}
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s message: %v", update.tag, err)
				continue
			}
			lastMessages[update.tag] = message
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("Could not publish %s: %v", update.tag, err)
			}
			if Verbose {
				UpdateLogger.Printf("Published %s: %s", update.tag, message)
			}
		}
	}
}
