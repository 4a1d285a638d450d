// ABOUTME: Hub event-channel protocol package
// ABOUTME: Defines hub messages and the correlated WebSocket client
// Package protocol implements the announcer's side of the hub event channel.
//
// Requests that expect an answer carry a generated id; the hub echoes it on
// the reply and Client.Request routes the reply back to the waiting caller.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{HubURL: "http://hub.local:8123", AccessToken: token})
//	err := client.Connect()
//	state, err := client.EntityState(ctx, "media_player.kitchen")
package protocol
