package dispatch

import (
	"time"

	"nearcast/internal/playerstate"
	"nearcast/internal/wire"
)

// canHear implements the full audibility predicate for one (sender,
// recipient) pair. The self-echo and deafened-recipient checks live here
// because they need connection-level state playerstate.CanHear doesn't
// hold; the rest delegates to playerstate.CanHear.
func canHear(sender, recipient playerstate.PlayerState, sameChannel bool, effectiveRange float32) bool {
	if recipient.Name == sender.Name {
		return false
	}
	if recipient.Deafened {
		return false
	}
	return playerstate.CanHear(sender, recipient, sameChannel, effectiveRange)
}

// fanoutAudio evaluates the audibility predicate against every other
// connected recipient and enqueues frame on each that passes. The frame is
// encoded once and the same bytes shared across every recipient's queue.
func (d *Dispatcher) fanoutAudio(senderName string, frame wire.Packet, now time.Time) {
	sender, ok := d.positions.Get(senderName, now)
	if !ok {
		// No known position yet (first frame before any PlayerData
		// stamped a location): nothing to evaluate against, so there is
		// nobody this frame can be delivered to under the spatial rules.
		return
	}

	effectiveRange := playerstate.EffectiveRange(d.cfg.Audibility, false, false)

	raw, err := wire.Encode(frame.Owner, frame)
	if err != nil {
		d.log.Warn("encode audio frame for fanout", "error", err)
		return
	}

	for _, name := range d.registry.Names() {
		if name == senderName {
			continue
		}
		recipient, ok := d.positions.Get(name, now)
		if !ok {
			continue
		}
		sameChannel := d.channels.SameChannel(senderName, name)
		if !canHear(sender, recipient, sameChannel, effectiveRange) {
			if d.metrics != nil {
				d.metrics.FramesFiltered.Inc()
			}
			continue
		}
		sess, ok := d.registry.Lookup(name)
		if !ok {
			continue
		}
		if err := sess.SendRaw(raw); err == nil && d.metrics != nil {
			d.metrics.FramesFannedOut.Inc()
		}
	}
}

// broadcastAll delivers a non-audio packet (PlayerData, ChannelEvent,
// presence) to every connected recipient except the originator; these
// types always broadcast and are never spatially filtered.
func (d *Dispatcher) broadcastAll(originator string, pkt wire.Packet) {
	raw, err := wire.Encode(pkt.Owner, pkt)
	if err != nil {
		d.log.Warn("encode packet for broadcast", "error", err)
		return
	}
	for _, name := range d.registry.Names() {
		if name == originator {
			continue
		}
		sess, ok := d.registry.Lookup(name)
		if !ok {
			continue
		}
		_ = sess.SendRaw(raw)
	}
}
