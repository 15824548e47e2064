// Package heartbeat carries computer presence between daemons.
//
// Every computer broadcasts {computer_name, capabilities, timestamp} on
// teleclaude.heartbeat.<computer> at a fixed interval. Nobody announces going
// offline: receivers store presence with a TTL and a silent computer simply
// expires.
//
//	┌─────────────┐  teleclaude.heartbeat.<name>  ┌─────────────┐
//	│   Sender    │ ────────────────────────────> │  Listener   │
//	│  (laptop)   │                               │   (desk)    │
//	└─────────────┘                               └─────────────┘
//
// Both sides are Run loops meant to be spawned through the task registry:
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{Bus: b, ComputerName: "laptop"})
//	reg.Spawn("heartbeat-sender", sender.Run)
//
//	listener, _ := heartbeat.NewListener(heartbeat.ListenerConfig{Bus: b, Handler: syncer.ReceiveHeartbeat})
//	reg.Spawn("heartbeat-listener", listener.Run)
package heartbeat
