package services

// Layout for messages sent by send_email actions
const messageEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .content { background-color: #ffffff; padding: 30px; border: 1px solid #ddd; border-radius: 5px; }
        .footer { text-align: center; padding: 20px; color: #777; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="content">
            {{range .Paragraphs}}<p>{{.}}</p>
            {{end}}
        </div>
        <div class="footer">
            <p>{{.Subject}}</p>
        </div>
    </div>
</body>
</html>
`

// Alert sent to operators when an execution fails for good
const executionFailedEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f44336; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9f9f9; padding: 30px; border: 1px solid #ddd; border-top: none; }
        .info-row { margin: 10px 0; padding: 10px; background-color: white; border-left: 3px solid #f44336; }
        .label { font-weight: bold; color: #555; }
        .value { color: #333; }
        .error { background-color: #f8d7da; border-left: 3px solid #dc3545; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .footer { text-align: center; padding: 20px; color: #777; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Automation Failed</h1>
        </div>
        <div class="content">
            <div class="error">
                <strong>{{.RuleName}}</strong> stopped and will not be retried.
            </div>

            <div class="info-row">
                <span class="label">Reason:</span>
                <span class="value">{{.Reason}}</span>
            </div>

            <div class="info-row">
                <span class="label">Trigger:</span>
                <span class="value">{{.TriggerType}}</span>
            </div>

            {{if .SubjectID}}
            <div class="info-row">
                <span class="label">Record:</span>
                <span class="value">{{.SubjectID}}</span>
            </div>
            {{end}}

            {{if .MaxRetries}}
            <div class="info-row">
                <span class="label">Retries:</span>
                <span class="value">{{.RetryCount}} of {{.MaxRetries}}</span>
            </div>
            {{end}}

            <p style="margin-top: 20px; font-size: 14px; color: #666;">
                Execution log: <a href="{{.ExecutionURL}}">{{.ExecutionID}}</a>
            </p>
        </div>
        <div class="footer">
            <p>Record Automation</p>
            <p>Failed at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
