package main

import (
	"fmt"
	"os"
	"time"

	"github.com/enescakir/emoji"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"

	"github.com/eljojo/dchat"
	"github.com/eljojo/dchat/types"
)

type timelineRow struct {
	Time    string `header:"time"`
	From    string `header:"from"`
	Message string `header:"message"`
}

type contactRow struct {
	Kind    string `header:"kind"`
	Name    string `header:"name"`
	Address string `header:"conversation"`
	Members int    `header:"members"`
}

func newPrinter() *tableprinter.Printer {
	printer := tableprinter.New(os.Stdout)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	return printer
}

func printTimeline(msgs []dchat.Message, self types.Address, gateway string) {
	if len(msgs) == 0 {
		fmt.Println("no messages yet")
		return
	}
	rows := make([]timelineRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, timelineRow{
			Time:    formatTime(m.Timestamp),
			From:    senderLabel(m, self),
			Message: body(m, gateway),
		})
	}
	newPrinter().Print(rows)
}

func printMessage(m dchat.Message, self types.Address, gateway string) {
	fmt.Printf("[%s] %s: %s\n", formatTime(m.Timestamp), senderLabel(m, self), body(m, gateway))
}

func printContacts(contacts []dchat.Contact) {
	if len(contacts) == 0 {
		fmt.Println("no contacts")
		return
	}
	rows := make([]contactRow, 0, len(contacts))
	for _, c := range contacts {
		row := contactRow{Kind: c.Ref.Kind.String(), Name: c.Name, Address: string(c.Ref.Peer)}
		if c.Ref.IsGroup() {
			row.Address = "group:" + c.Ref.Group.String()
			row.Members = len(c.Members)
		}
		rows = append(rows, row)
	}
	newPrinter().Print(rows)
}

func senderLabel(m dchat.Message, self types.Address) string {
	if m.IsFrom(self) {
		return m.SenderName + " (you)"
	}
	return m.SenderName
}

func body(m dchat.Message, gateway string) string {
	if m.Content == dchat.ContentAttachment && m.Attachment != nil {
		icon := emoji.Paperclip
		if m.Attachment.IsImage() {
			icon = emoji.FramedPicture
		}
		return fmt.Sprintf("%s %s %s", icon, m.Attachment.FileName, m.Attachment.URL(gateway))
	}
	return m.Body()
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}
