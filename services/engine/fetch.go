package engine

import (
	"bytes"
	"strconv"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
)

type sizedUID struct {
	uid  []byte
	size int
}

// doFetch probes message sizes in fetch-number sized groups and packs UIDs
// greedily into delivery batches bounded by both batch-number and batch-size.
// An oversized message travels alone in its own batch. Batches persist across
// probe groups, so a partially filled batch keeps filling from the next group.
func (e *Engine) doFetch(session interfaces.IMAPSession, account *models.Account, action *models.Action, agent interfaces.DeliveryAgent, uids [][]byte) error {
	fetchNum := e.batching.FetchNumber
	var batch [][]byte
	batchTotal := 0

	for len(uids) > 0 {
		if err := e.token.Check(); err != nil {
			return err
		}

		group := uids
		if len(group) > fetchNum {
			group = group[:fetchNum]
		}
		uids = uids[len(group):]

		attrsList, err := session.UIDFetch(group, "(RFC822.SIZE)")
		if err != nil {
			account.NumUndelivered += len(group)
			e.accountError(account, "%v", err)
			continue
		}

		pending := make(map[string]bool, len(group))
		for _, uid := range group {
			pending[string(uid)] = true
		}

		var sized []sizedUID
		for _, attrs := range attrsList {
			uid, uidOK := attrs.Bytes("UID")
			sizeText, sizeOK := attrs.Bytes("RFC822.SIZE")
			if !uidOK || !sizeOK {
				e.accountConflict(account, attrs)
				continue
			}
			size, err := strconv.Atoi(string(sizeText))
			if err != nil {
				e.accountConflict(account, attrs)
				continue
			}
			sized = append(sized, sizedUID{uid: uid, size: size})
			delete(pending, string(uid))
		}

		if len(pending) > 0 {
			account.NumUndelivered += len(group)
			e.accountError(account, "%s",
				errdef.IMAPError("FETCH", "the result does not have all requested messages", ""))
			continue
		}

		for {
			var leftovers []sizedUID
			for _, su := range sized {
				if len(batch) < e.batching.BatchNumber && batchTotal+su.size < e.batching.BatchSize {
					batchTotal += su.size
					batch = append(batch, su.uid)
				} else {
					leftovers = append(leftovers, su)
				}
			}

			if len(leftovers) == 0 {
				break
			}

			if len(batch) == 0 {
				// this message alone exceeds batch-size, ship it solo
				batchTotal += leftovers[0].size
				batch = append(batch, leftovers[0].uid)
				leftovers = leftovers[1:]
			}

			if err := e.fetchBatch(session, account, action, agent, batch, batchTotal); err != nil {
				return err
			}
			batch = nil
			batchTotal = 0
			sized = leftovers
		}
	}

	return e.fetchBatch(session, account, action, agent, batch, batchTotal)
}

// fetchBatch downloads one packed batch, delivers it, and marks the messages
// that were durably delivered. The trailing STORE is not interruptible: once
// messages are on disk, leaving them unmarked would duplicate them on the
// next cycle.
func (e *Engine) fetchBatch(session interfaces.IMAPSession, account *models.Account, action *models.Action, agent interfaces.DeliveryAgent, uids [][]byte, totalSize int) error {
	if err := e.token.Check(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	e.printf("... fetching a batch of %d messages (%d bytes)", len(uids), totalSize)

	attrsList, err := session.UIDFetch(uids, "(BODY.PEEK[HEADER] BODY.PEEK[TEXT])")
	if err != nil {
		account.NumUndelivered += len(uids)
		e.accountError(account, "%v", err)
		return nil
	}

	var msgs []interfaces.Message
	for _, attrs := range attrsList {
		uid, uidOK := attrs.Bytes("UID")
		header, headerOK := attrs.Bytes("BODY[HEADER]")
		body, bodyOK := attrs.Bytes("BODY[TEXT]")
		if !uidOK || !headerOK || !bodyOK {
			e.accountConflict(account, attrs)
			continue
		}

		// strip \r the way fetchmail does
		header = bytes.ReplaceAll(header, []byte("\r\n"), []byte("\n"))
		body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))

		msgs = append(msgs, interfaces.Message{UID: uid, Header: header, Body: body})
	}

	delivered, failed, derr := agent.DeliverBatch(msgs)
	if derr != nil {
		if errdef.ScopeOf(derr) == errdef.ScopeCatastrophic {
			return derr
		}
		e.accountError(account, "%v", derr)
	}

	account.NumDelivered += len(delivered)
	account.NumUndelivered += len(failed)

	if len(delivered) > 0 {
		e.printf("... delivered %d %s via `%s`",
			len(delivered), plural(len(delivered), "message", "messages"), agent.Describe())
	}
	if len(failed) > 0 {
		e.accountError(account, "failed to deliver %d %s via `%s`",
			len(failed), plural(len(failed), "message", "messages"), agent.Describe())
		if action.Mode != models.ModeYolo {
			if len(delivered) == 0 {
				return errdef.AccountSoftf("failed to deliver any messages, aborting this `fetch` and any following commands")
			}
			if action.Mode == models.ModeParanoid {
				return errdef.Catastrophicf("failed to deliver %d messages in paranoid mode", len(failed))
			}
		}
	}

	return e.doStore(session, account, string(action.ResolveMark()), delivered, false)
}
