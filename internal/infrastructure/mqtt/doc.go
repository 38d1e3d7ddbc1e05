// Package mqtt connects the bridge to an external MQTT broker.
//
// The external broker has two jobs:
//
//   - Upstream bus. The gateway publishes retained canonical unit state to
//     <prefix>/device/<deviceID>/<unitID>/state, device availability to
//     <prefix>/device/<deviceID>/available and its own status to
//     <prefix>/bridge/status (online on connect, offline as Last Will).
//     Controllers send commands to <prefix>/device/<deviceID>/<unitID>/set.
//   - Device transport. Devices configured against the same broker publish
//     under shellies/#; the gateway subscribes and feeds those messages into
//     the same topic parser as the embedded broker.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllUnitSets(), 1,
//	    func(topic string, payload []byte) error {
//	        deviceID, unitID, _ := client.Topics().ParseUnitSet(topic)
//	        return handleCommand(deviceID, unitID, payload)
//	    })
//
//	client.PublishRetained(client.Topics().UnitState("A4CF12F454A3", "relay-0"), state)
package mqtt
